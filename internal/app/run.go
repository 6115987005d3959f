package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/winmesh/internal/broadcast"
	"github.com/petervdpas/winmesh/internal/config"
	"github.com/petervdpas/winmesh/internal/identity"
	"github.com/petervdpas/winmesh/internal/mq"
	"github.com/petervdpas/winmesh/internal/p2p"
	"github.com/petervdpas/winmesh/internal/storage"
	"github.com/petervdpas/winmesh/internal/util"
	"github.com/petervdpas/winmesh/internal/viewer"
)

var log = logging.Logger("app")

// subsystems whose level follows log.level. libp2p internals keep the
// quieter levels set by the p2p package.
var subsystems = []string{"app", "mq", "storage", "broadcast", "p2p", "viewer"}

// watchDebounce coalesces bursts of SQLite file events into one rescan.
// Rescans landing within ownWriteEcho of our own heartbeat write are skipped.
const (
	watchDebounce = 50 * time.Millisecond
	ownWriteEcho  = 4 * watchDebounce
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
	// Join is what the spawning process handed over (a registration key from
	// a probe, or a URL containing one).
	Join string
}

// peer is everything one process owns while it runs.
type peer struct {
	bus     mq.Bus
	closers []func() error
	info    map[string]any
	// live entries are evaluated on every /api/self request.
	live map[string]func() any
}

func (p *peer) snapshot() map[string]any {
	out := make(map[string]any, len(p.info)+len(p.live))
	for k, v := range p.info {
		out[k] = v
	}
	for k, fn := range p.live {
		out[k] = fn()
	}
	return out
}

func (p *peer) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			log.Debugf("close: %v", err)
		}
	}
}

// Run starts one window and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	setLogLevels(cfg.Log.Level)

	logs := viewer.NewLogBuffer(cfg.Viewer.LogLines)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _ = logs.Capture(pipe) }()

	logBanner(opt.PeerDir, opt.CfgPath, cfg)

	p, err := build(ctx, opt)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.bus.Start(ctx); err != nil {
		return fmt.Errorf("start %s bus: %w", p.bus.Transport(), err)
	}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Viewer.HTTPAddr != "" {
		addr, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			Bus:  p.bus,
			Logs: logs,
			Info: p.snapshot,
		}
		g.Go(func() error {
			return viewer.Start(gctx, addr, v, func(a net.Addr) {
				log.Infof("viewer: http://%s", a)
			})
		})
	}

	g.Go(func() error {
		logMembership(gctx, p.bus)
		return nil
	})

	err = g.Wait()

	p.bus.Stop()
	// Saved at shutdown so an id regenerated after a collision is the one kept.
	if serr := p.bus.SaveIdentity(); serr != nil {
		log.Warnf("save identity: %v", serr)
	}
	// Store peers would otherwise keep our record until windowTimeout.
	if p.bus.Transport() == mq.TransportStore {
		if cerr := p.bus.Clear(); cerr != nil {
			log.Warnf("clear record: %v", cerr)
		}
	}
	log.Infof("window %s stopped", p.bus.ID())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func build(ctx context.Context, opt Options) (*peer, error) {
	cfg := opt.Cfg
	p := &peer{
		info: map[string]any{"peer_dir": opt.PeerDir},
		live: map[string]func() any{},
	}

	strategy, err := identity.ParseStrategy(cfg.Identity.Strategy)
	if err != nil {
		return nil, err
	}
	locator := identity.StaticLocator(opt.Join)
	pointer := identity.FileSlot{Path: util.ResolvePath(opt.PeerDir, cfg.Identity.PointerFile)}
	slot := identity.FileSlot{Path: util.ResolvePath(opt.PeerDir, cfg.Identity.SlotFile)}

	switch cfg.Transport.Mode {
	case config.ModeStore:
		err = p.buildStore(opt, strategy, locator, pointer, slot)
	case config.ModePubsub:
		err = p.buildPubsub(ctx, opt, strategy, locator, pointer, slot)
	default:
		err = fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}
	if err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *peer) buildStore(opt Options, strategy identity.Strategy, locator identity.Locator, pointer, slot identity.Slot) error {
	cfg := opt.Cfg
	dbPath := util.ResolvePath(opt.PeerDir, cfg.Store.Path)
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	p.closers = append(p.closers, db.Close)
	p.info["store"] = db.Path()

	m, err := mq.New(mq.Config{
		KeyPrefix:      cfg.Store.KeyPrefix,
		Heartbeat:      cfg.Timing.Heartbeat(),
		NewWindowScan:  cfg.Timing.NewWindowScan(),
		MessageTimeout: cfg.Timing.MessageTimeout(),
		WindowTimeout:  cfg.Timing.WindowTimeout(),
		InlineLimit:    cfg.Payload.InlineLimitBytes,
		OwnWriteEcho:   ownWriteEcho,
	}, mq.Options{
		Store:        db,
		Locator:      locator,
		Strategy:     strategy,
		StrategySlot: slot,
		PointerSlot:  pointer,
		Name:         cfg.Identity.Name,
	})
	if err != nil {
		return err
	}
	p.bus = m

	if cfg.Store.Watch {
		w, err := storage.Watch(dbPath, watchDebounce, m.Rescan)
		if err != nil {
			// polling still works without it
			log.Warnf("store watch disabled: %v", err)
		} else {
			p.closers = append(p.closers, w.Close)
		}
	}
	return nil
}

func (p *peer) buildPubsub(ctx context.Context, opt Options, strategy identity.Strategy, locator identity.Locator, pointer, slot identity.Slot) error {
	cfg := opt.Cfg
	node, err := p2p.New(ctx, p2p.Config{
		ListenPort: cfg.Transport.ListenPort,
		KeyFile:    util.ResolvePath(opt.PeerDir, cfg.Transport.KeyFile),
		Topic:      cfg.Transport.Topic,
		MdnsTag:    cfg.Transport.MdnsTag,
		NoMdns:     !cfg.Transport.Mdns,
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	p.closers = append(p.closers, node.Close)
	p.info["host_id"] = node.ID()
	p.info["addrs"] = node.Addrs()
	p.live["topic_peers"] = func() any { return node.Peers() }
	log.Infof("p2p host %s", node.ID())
	for _, a := range node.Addrs() {
		log.Infof("  listening on %s", a)
	}

	for _, addr := range cfg.Transport.Bootstrap {
		if err := node.Connect(ctx, addr); err != nil {
			log.Warnf("bootstrap %s: %v", addr, err)
		}
	}

	b, err := broadcast.New(node, broadcast.Options{
		Locator:      locator,
		Strategy:     strategy,
		StrategySlot: slot,
		PointerSlot:  pointer,
		Name:         cfg.Identity.Name,
		KeyPrefix:    cfg.Store.KeyPrefix,
		ProbeTimeout: cfg.Timing.MessageTimeout(),
	})
	if err != nil {
		return err
	}
	for _, name := range cfg.Transport.Listeners {
		b.Listen(name)
	}
	p.live["listeners"] = func() any { return b.Listeners() }
	p.bus = b
	return nil
}

// logMembership logs peers joining and leaving until ctx ends.
func logMembership(ctx context.Context, bus mq.Bus) {
	ch, cancel := bus.SubscribePeers()
	defer cancel()

	known := map[string]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case list, ok := <-ch:
			if !ok {
				return
			}
			next := make(map[string]string, len(list))
			for _, kp := range list {
				if kp.Self {
					continue
				}
				next[kp.ID] = kp.Name
				if _, seen := known[kp.ID]; !seen {
					log.Infof("peer joined: %s (%q)", shortID(kp.ID), kp.Name)
				}
			}
			for id, name := range known {
				if _, still := next[id]; !still {
					log.Infof("peer left: %s (%q)", shortID(id), name)
				}
			}
			known = next
		}
	}
}

func setLogLevels(level string) {
	for _, s := range subsystems {
		_ = logging.SetLogLevel(s, level)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
