package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/util"
)

const (
	ModeStore  = "store"
	ModePubsub = "pubsub"
)

type Config struct {
	Store     Store     `json:"store"`
	Timing    Timing    `json:"timing"`
	Identity  Identity  `json:"identity"`
	Payload   Payload   `json:"payload"`
	Transport Transport `json:"transport"`
	Viewer    Viewer    `json:"viewer"`
	Log       Log       `json:"log"`
}

type Store struct {
	// Path of the shared SQLite file, relative to the peer directory unless
	// absolute. Every window that should see each other must use the same file.
	Path      string `json:"path"`
	KeyPrefix string `json:"key_prefix"`
	// Watch rescans early when another process writes the store.
	Watch bool `json:"watch"`
}

type Timing struct {
	HeartbeatMs      int `json:"heartbeat_ms"`
	NewWindowScanMs  int `json:"new_window_scan_ms"`
	MessageTimeoutMs int `json:"message_timeout_ms"`
	WindowTimeoutMs  int `json:"window_timeout_ms"`
}

type Identity struct {
	Strategy    string `json:"strategy"`
	PointerFile string `json:"pointer_file"`
	SlotFile    string `json:"slot_file"`
	Name        string `json:"name"`
}

type Payload struct {
	InlineLimitBytes int `json:"inline_limit_bytes"`
}

type Transport struct {
	Mode       string   `json:"mode"`
	ListenPort int      `json:"listen_port"`
	KeyFile    string   `json:"key_file"`
	Topic      string   `json:"topic"`
	MdnsTag    string   `json:"mdns_tag"`
	Mdns       bool     `json:"mdns"`
	Bootstrap  []string `json:"bootstrap"`
	// Listeners are listener names registered at startup.
	Listeners []string `json:"listeners"`
}

type Viewer struct {
	// Empty disables the local HTTP viewer.
	HTTPAddr string `json:"http_addr"`
	LogLines int    `json:"log_lines"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Store: Store{
			Path:      "data/shared.db",
			KeyPrefix: "ngxmw_",
			Watch:     true,
		},
		Timing: Timing{
			HeartbeatMs:      1000,
			NewWindowScanMs:  5000,
			MessageTimeoutMs: 10000,
			WindowTimeoutMs:  15000,
		},
		Identity: Identity{
			Strategy:    string(identity.StrategyNone),
			PointerFile: "data/self.key",
			SlotFile:    "data/name.slot",
		},
		Payload: Payload{
			InlineLimitBytes: 0,
		},
		Transport: Transport{
			Mode:       ModeStore,
			ListenPort: 0,
			KeyFile:    "data/host.key",
			Topic:      "winmesh.windows.v1",
			MdnsTag:    "winmesh-mdns",
			Mdns:       true,
		},
		Viewer: Viewer{
			HTTPAddr: "",
			LogLines: 800,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Store
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if strings.TrimSpace(c.Store.KeyPrefix) == "" {
		return errors.New("store.key_prefix is required")
	}

	// Timing
	t := c.Timing
	if t.HeartbeatMs <= 0 || t.NewWindowScanMs <= 0 || t.MessageTimeoutMs <= 0 || t.WindowTimeoutMs <= 0 {
		return errors.New("timing values must be > 0")
	}
	if t.HeartbeatMs >= t.MessageTimeoutMs {
		return errors.New("timing.heartbeat_ms must be below timing.message_timeout_ms")
	}
	if t.HeartbeatMs >= t.WindowTimeoutMs {
		return errors.New("timing.heartbeat_ms must be below timing.window_timeout_ms")
	}
	if t.WindowTimeoutMs%t.NewWindowScanMs != 0 {
		return errors.New("timing.window_timeout_ms must be a multiple of timing.new_window_scan_ms")
	}

	// Identity
	if _, err := identity.ParseStrategy(c.Identity.Strategy); err != nil {
		return fmt.Errorf("identity.strategy: %w", err)
	}
	if strings.TrimSpace(c.Identity.PointerFile) == "" {
		return errors.New("identity.pointer_file is required")
	}
	if strings.TrimSpace(c.Identity.SlotFile) == "" {
		return errors.New("identity.slot_file is required")
	}

	// Payload
	if c.Payload.InlineLimitBytes < 0 {
		return errors.New("payload.inline_limit_bytes must be >= 0")
	}

	// Transport
	switch c.Transport.Mode {
	case ModeStore:
	case ModePubsub:
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Transport.Topic) == "" {
			return errors.New("transport.topic is required")
		}
		if c.Transport.Mdns && strings.TrimSpace(c.Transport.MdnsTag) == "" {
			return errors.New("transport.mdns_tag is required when mdns is enabled")
		}
		for _, name := range c.Transport.Listeners {
			if strings.TrimSpace(name) == "" {
				return errors.New("transport.listeners must not contain empty names")
			}
		}
	default:
		return fmt.Errorf("transport.mode must be %q or %q", ModeStore, ModePubsub)
	}

	// Viewer
	if c.Viewer.HTTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.Viewer.HTTPAddr); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.LogLines < 1 {
		return errors.New("viewer.log_lines must be >= 1")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func (t Timing) Heartbeat() time.Duration {
	return time.Duration(t.HeartbeatMs) * time.Millisecond
}

func (t Timing) NewWindowScan() time.Duration {
	return time.Duration(t.NewWindowScanMs) * time.Millisecond
}

func (t Timing) MessageTimeout() time.Duration {
	return time.Duration(t.MessageTimeoutMs) * time.Millisecond
}

func (t Timing) WindowTimeout() time.Duration {
	return time.Duration(t.WindowTimeoutMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
