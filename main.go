// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/winmesh/internal/app"
	"github.com/petervdpas/winmesh/internal/config"
)

const configFile = "winmesh.json"

var log = logging.Logger("app")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("winmesh v%s\n", appVersion)
		return
	}
	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "init":
		os.Exit(runInit(args[1:]))
	case "peer":
		os.Exit(runPeer(args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	interactive := fs.Bool("i", false, "Prompt for the common settings")
	store := fs.String("store", "", "Shared store file (absolute, so several peer folders can share it)")
	mode := fs.String("mode", "", "Transport: store or pubsub")
	name := fs.String("name", "", "Initial window name")
	force := fs.Bool("force", false, "Overwrite an existing config")
	dir, rest := splitDir(args)
	_ = fs.Parse(rest)
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: winmesh init <peer-directory> [-i] [-store path] [-mode store|pubsub] [-name name]")
		return 1
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid peer directory: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Create peer directory: %v\n", err)
		return 1
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg := config.Default()
	if _, err := os.Stat(cfgPath); err == nil {
		if !*force {
			fmt.Fprintf(os.Stderr, "%s already exists (use -force to overwrite)\n", cfgPath)
			return 1
		}
		if existing, err := config.LoadPartial(cfgPath); err == nil {
			cfg = existing
		}
	}

	if *store != "" {
		cfg.Store.Path = *store
	}
	if *mode != "" {
		cfg.Transport.Mode = *mode
	}
	if *name != "" {
		cfg.Identity.Name = *name
	}
	if *interactive {
		cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfg)
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Write config: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	return 0
}

func runPeer(args []string) int {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	join := fs.String("join", "", "Locator handed over by the spawning window (contains a registration key)")
	dir, rest := splitDir(args)
	_ = fs.Parse(rest)
	if dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: winmesh peer <peer-directory> [-join locator]")
		return 1
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid peer directory: %v\n", err)
		return 1
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fmt.Fprintf(os.Stderr, "Peer directory does not exist: %s\n", absDir)
		return 1
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if created {
		fmt.Printf("Created default config %s\n", cfgPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting window... (Press Ctrl+C to stop)")
	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Join:    *join,
	}); err != nil {
		log.Errorf("window failed: %v", err)
		return 1
	}
	return 0
}

// splitDir takes the leading positional directory so flags may follow it.
func splitDir(args []string) (string, []string) {
	if len(args) == 0 || (len(args[0]) > 0 && args[0][0] == '-') {
		return "", args
	}
	return args[0], args[1:]
}

func showUsage() {
	fmt.Println("winmesh - windows that find and message each other through a shared store")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  winmesh init <directory> [flags]   Create a peer folder with a default config")
	fmt.Println("  winmesh peer <directory> [flags]   Run one window from a peer folder")
	fmt.Println()
	fmt.Println("init flags:")
	fmt.Println("  -i              Prompt for the common settings")
	fmt.Println("  -store <path>   Shared store file; give every window the same absolute path")
	fmt.Println("  -mode <mode>    store (default) or pubsub")
	fmt.Println("  -name <name>    Initial window name")
	fmt.Println("  -force          Overwrite an existing config")
	fmt.Println()
	fmt.Println("peer flags:")
	fmt.Println("  -join <locator> Registration key (or a URL containing one) from POST /api/probe")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  winmesh init ./peers/left -store /tmp/mesh.db")
	fmt.Println("  winmesh init ./peers/right -store /tmp/mesh.db")
	fmt.Println("  winmesh peer ./peers/left")
	fmt.Println("  winmesh peer ./peers/right")
}
