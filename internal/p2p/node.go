// Package p2p carries the push transport between processes: a libp2p host
// joined to one gossipsub topic, with mDNS so windows on the same network
// find each other without configuration.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/winmesh/internal/proto"
)

var log = logging.Logger("p2p")

const connectTimeout = 3 * time.Second

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors
	// pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

type Config struct {
	ListenPort int
	// KeyFile keeps the host identity across restarts. Empty means a fresh
	// key every run.
	KeyFile string
	Topic   string
	MdnsTag string
	// NoMdns disables LAN discovery, leaving only explicit Connect calls.
	NoMdns bool
}

// Node is a broadcast channel backed by a gossipsub topic.
type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect %s: %v", pi.ID, err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt host key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal host key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save host key: %w", err)
	}
	return priv, true, nil
}

func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Topic == "" {
		cfg.Topic = proto.PubsubTopic
	}
	if cfg.MdnsTag == "" {
		cfg.MdnsTag = proto.MdnsTag
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	}
	if cfg.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("generated host key: %s", cfg.KeyFile)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	topic, err := ps.Join(cfg.Topic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{Host: h, ps: ps, topic: topic, sub: sub}

	if !cfg.NoMdns {
		md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = n.Close()
			return nil, err
		}
		n.mdns = md
	}

	log.Infof("host %s listening on %v (topic %s)", h.ID(), h.Addrs(), cfg.Topic)
	return n, nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// Publish sends one frame to every subscriber of the topic.
func (n *Node) Publish(ctx context.Context, data []byte) error {
	return n.topic.Publish(ctx, data)
}

// Next blocks for the next frame, including frames published by this node.
func (n *Node) Next(ctx context.Context) ([]byte, error) {
	m, err := n.sub.Next(ctx)
	if err != nil {
		return nil, err
	}
	return m.Data, nil
}

// Connect dials a peer given its full multiaddr (ending in /p2p/<id>).
func (n *Node) Connect(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse %q: %w", addr, err)
	}
	pi, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("peer info from %q: %w", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return n.Host.Connect(ctx, *pi)
}

// Addrs returns dialable addresses with the /p2p component attached,
// loopback first so windows on the same host prefer it.
func (n *Node) Addrs() []string {
	self, err := ma.NewMultiaddr("/p2p/" + n.ID())
	if err != nil {
		return nil
	}
	addrs := n.Host.Addrs()
	sort.SliceStable(addrs, func(i, j int) bool {
		return manet.IsIPLoopback(addrs[i]) && !manet.IsIPLoopback(addrs[j])
	})
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Encapsulate(self).String())
	}
	return out
}

// Peers returns the libp2p peers currently subscribed to the topic.
func (n *Node) Peers() []string {
	var out []string
	for _, p := range n.topic.ListPeers() {
		out = append(out, p.String())
	}
	return out
}

func (n *Node) Close() error {
	var errs []error
	if n.mdns != nil {
		errs = append(errs, n.mdns.Close())
	}
	n.sub.Cancel()
	// the topic refuses to close until the cancel is processed; the host
	// shutdown releases it either way
	_ = n.topic.Close()
	errs = append(errs, n.Host.Close())
	return errors.Join(errs...)
}
