package identity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/petervdpas/winmesh/internal/proto"
)

// NewID mints a peer or message id. Dashes are dropped so ids always match
// the peer key pattern.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Locator exposes whatever the spawning process handed to this one (a URL,
// a command-line argument). A registration key embedded in it names the
// identity this process should take.
type Locator interface {
	Locate() string
}

// StaticLocator is a Locator with a fixed value.
type StaticLocator string

func (l StaticLocator) Locate() string { return string(l) }

// Strategy controls how the record key is kept in a Slot that other code may
// also be using.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategyRestoreIfEmpty Strategy = "restore_if_empty"
	StrategyForceOverwrite Strategy = "force_overwrite"
	StrategyBackupRestore  Strategy = "backup_and_restore"
)

func ParseStrategy(s string) (Strategy, error) {
	switch v := Strategy(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return StrategyNone, nil
	case StrategyNone, StrategyRestoreIfEmpty, StrategyForceOverwrite, StrategyBackupRestore:
		return v, nil
	}
	return "", fmt.Errorf("unknown identity strategy %q", s)
}

// backupValue is what StrategyBackupRestore writes into the slot.
type backupValue struct {
	Key    string `json:"winmesh_id"`
	Backup string `json:"backup"`
}

// Recover extracts a peer id from the slot according to the strategy,
// restoring the slot's previous owner data where the strategy requires it.
func (s Strategy) Recover(slot Slot, prefix string) (string, bool) {
	if s == StrategyNone || slot == nil {
		return "", false
	}
	raw, err := slot.Load()
	if err != nil || raw == "" {
		return "", false
	}

	switch s {
	case StrategyBackupRestore:
		var bv backupValue
		if err := json.Unmarshal([]byte(raw), &bv); err != nil || bv.Key == "" {
			return "", false
		}
		_ = slot.Store(bv.Backup)
		return proto.MatchPeerKey(prefix, bv.Key)
	case StrategyRestoreIfEmpty:
		id, ok := proto.MatchPeerKey(prefix, raw)
		if ok {
			_ = slot.Store("")
		}
		return id, ok
	case StrategyForceOverwrite:
		return proto.MatchPeerKey(prefix, raw)
	}
	return "", false
}

// Save writes key into the slot according to the strategy.
func (s Strategy) Save(slot Slot, key string) error {
	if s == StrategyNone || slot == nil {
		return nil
	}
	switch s {
	case StrategyRestoreIfEmpty:
		cur, err := slot.Load()
		if err != nil {
			return err
		}
		if cur != "" {
			return nil
		}
		return slot.Store(key)
	case StrategyForceOverwrite:
		return slot.Store(key)
	case StrategyBackupRestore:
		cur, err := slot.Load()
		if err != nil {
			return err
		}
		b, err := json.Marshal(backupValue{Key: key, Backup: cur})
		if err != nil {
			return err
		}
		return slot.Store(string(b))
	}
	return fmt.Errorf("unknown identity strategy %q", s)
}
