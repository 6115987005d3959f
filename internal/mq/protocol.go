// Package mq implements the shared-store window bus. Every peer owns one
// record in a store that all peers can read; messages travel by being
// published in the sender's record and acknowledged in the recipient's.
package mq

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/track"
)

var (
	// ErrSelfSend rejects a send whose recipient is this peer.
	ErrSelfSend = errors.New("mq: cannot send to self")
	// ErrNoRecipient rejects a send with an empty recipient id.
	ErrNoRecipient = errors.New("mq: recipient id required")
	// ErrNoLocator means probing is impossible because no locator was configured.
	ErrNoLocator = errors.New("mq: no locator configured for probe")
	// ErrInvalidName rejects an empty peer name.
	ErrInvalidName = errors.New("mq: name must not be empty")

	ErrAlreadyStarted = errors.New("mq: already started")
)

// Transport labels used in metrics and logs.
const (
	TransportStore  = "store"
	TransportPubsub = "pubsub"
)

// Bus is the API every window transport offers to the application.
type Bus interface {
	ID() string
	Name() string
	SetName(name string) error

	// Send queues a DATA message for recipientID. data and payload are
	// marshalled to JSON; nil leaves the field empty. The store engine
	// completes the handle when the recipient acknowledges; push transports
	// have no ack and return it already completed by the publish.
	Send(recipientID, event string, data, payload any) (*track.Handle, error)

	// Probe reserves a fresh peer id for a window that is about to be
	// spawned. The handle completes once that window acknowledges.
	Probe() (Probe, error)

	Subscribe() (<-chan proto.Message, func())
	SubscribePeers() (<-chan []proto.KnownPeer, func())
	Peers() []proto.KnownPeer

	Start(ctx context.Context) error
	Stop()

	// Clear withdraws this peer from the mesh (its record or presence).
	Clear() error
	// SaveIdentity stores this peer's registration key according to the
	// configured identity strategy.
	SaveIdentity() error

	Transport() string
}

// Probe is the result of reserving an id for a not-yet-spawned window.
type Probe struct {
	PeerID string `json:"peerId"`
	// RegistrationKey must be handed to the spawned process (via its locator)
	// so it adopts PeerID.
	RegistrationKey string        `json:"registrationKey"`
	Handle          *track.Handle `json:"-"`
}

// Config holds the timing and layout parameters of the store engine.
type Config struct {
	KeyPrefix string

	Heartbeat      time.Duration
	NewWindowScan  time.Duration
	MessageTimeout time.Duration
	WindowTimeout  time.Duration

	// InlineLimit is the largest payload, in bytes, kept inside the record.
	// Larger payloads are written to their own key. Zero offloads every
	// non-empty payload.
	InlineLimit int

	// OwnWriteEcho is how long after publishing its own record this peer
	// ignores Rescan calls. A file watcher sees our own writes too; without
	// this every heartbeat would trigger a full scan.
	OwnWriteEcho time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:      proto.DefaultKeyPrefix,
		Heartbeat:      1000 * time.Millisecond,
		NewWindowScan:  5000 * time.Millisecond,
		MessageTimeout: 10000 * time.Millisecond,
		WindowTimeout:  15000 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.NewWindowScan <= 0 {
		c.NewWindowScan = d.NewWindowScan
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = d.MessageTimeout
	}
	if c.WindowTimeout <= 0 {
		c.WindowTimeout = d.WindowTimeout
	}
	if c.OwnWriteEcho < 0 {
		c.OwnWriteEcho = 0
	}
	if c.InlineLimit < 0 {
		c.InlineLimit = 0
	}
	return c
}
