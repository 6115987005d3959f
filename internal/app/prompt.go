// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/winmesh/internal/config"
)

// PromptInteractive walks through the settings most setups change. Empty
// answers keep the current value. An invalid result falls back to defaults.
func PromptInteractive(r io.Reader, w io.Writer, peerDir string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "winmesh interactive setup")
	fmt.Fprintf(w, " Peer folder : %s\n", peerDir)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.Name = askString(in, w, "Window name (empty=generated)", cfg.Identity.Name)
	cfg.Transport.Mode = askChoice(in, w, "Transport", cfg.Transport.Mode, config.ModeStore, config.ModePubsub)

	if cfg.Transport.Mode == config.ModeStore {
		cfg.Store.Path = askString(in, w, "Shared store file", cfg.Store.Path)
		cfg.Store.Watch = askBool(in, w, "Watch store for changes", cfg.Store.Watch)
		cfg.Timing.HeartbeatMs = askInt(in, w, "Heartbeat ms", cfg.Timing.HeartbeatMs)
	} else {
		cfg.Transport.ListenPort = askInt(in, w, "Listen port (0=random)", cfg.Transport.ListenPort)
		cfg.Transport.Mdns = askBool(in, w, "LAN discovery (mDNS)", cfg.Transport.Mdns)
	}
	cfg.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askChoice(in *bufio.Reader, w io.Writer, label, def string, choices ...string) string {
	for {
		s := askString(in, w, label+" ("+strings.Join(choices, "|")+")", def)
		for _, c := range choices {
			if strings.EqualFold(s, c) {
				return c
			}
		}
		if s == def {
			// nothing typed and the current value is not a valid choice
			return choices[0]
		}
		fmt.Fprintf(w, "Please enter one of %s.\n", strings.Join(choices, ", "))
	}
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, perr := strconv.Atoi(s); perr == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
