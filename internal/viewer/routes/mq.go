package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/winmesh/internal/mq"
	"github.com/petervdpas/winmesh/internal/proto"
	"github.com/petervdpas/winmesh/internal/track"
)

var log = logging.Logger("viewer")

// waitLimit caps how long a request with wait=true blocks.
const waitLimit = 30 * time.Second

// broadcaster is implemented by buses that support listener addressing.
type broadcaster interface {
	Listen(name string) func()
	Listeners() []string
	SendToListener(listener, event string, data, payload any) (*track.Handle, error)
	Broadcast(event string, data, payload any) (*track.Handle, error)
}

// wsEvent is one frame on /api/events.
type wsEvent struct {
	Type    string            `json:"type"` // "message" | "peers"
	Message *proto.Message    `json:"message,omitempty"`
	Peers   []proto.KnownPeer `json:"peers,omitempty"`
}

// RegisterMQ adds the window bus endpoints.
//
//	GET  /api/self    - this window's id, name and transport
//	POST /api/name    - rename this window
//	GET  /api/peers   - last published peer list
//	POST /api/send    - send to a window (optionally wait for the outcome)
//	POST /api/probe   - reserve an id for a window about to be spawned
//	POST /api/clear   - withdraw this window's record
//	POST /api/listen  - start or stop receiving frames for a listener name
//	GET  /api/events  - WebSocket stream of messages and peer lists
func RegisterMQ(mux *http.ServeMux, d Deps) {
	bus := d.Bus

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"id":        bus.ID(),
			"name":      bus.Name(),
			"transport": bus.Transport(),
		}
		if d.Info != nil {
			for k, v := range d.Info() {
				out[k] = v
			}
		}
		writeJSON(w, out)
	})

	handlePost(mux, "/api/name", func(w http.ResponseWriter, r *http.Request, req struct {
		Name string `json:"name"`
	}) {
		if err := bus.SetName(req.Name); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"name": bus.Name()})
	})

	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, bus.Peers())
	})

	handlePost(mux, "/api/send", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID   string          `json:"peer_id"`
		Listener string          `json:"listener"`
		All      bool            `json:"all"`
		Event    string          `json:"event"`
		Data     json.RawMessage `json:"data"`
		Payload  json.RawMessage `json:"payload"`
		Wait     bool            `json:"wait"`
	}) {
		var (
			h   *track.Handle
			err error
		)
		switch {
		case req.Listener != "" || req.All:
			b, ok := bus.(broadcaster)
			if !ok {
				http.Error(w, "listener addressing needs the pubsub transport", http.StatusNotImplemented)
				return
			}
			if req.All {
				h, err = b.Broadcast(req.Event, req.Data, req.Payload)
			} else {
				h, err = b.SendToListener(req.Listener, req.Event, req.Data, req.Payload)
			}
		default:
			h, err = bus.Send(req.PeerID, req.Event, req.Data, req.Payload)
		}
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeOutcome(w, r, h, req.Wait, map[string]any{"msg_id": h.ID()})
	})

	handlePost(mux, "/api/probe", func(w http.ResponseWriter, r *http.Request, req struct {
		Wait bool `json:"wait"`
	}) {
		p, err := bus.Probe()
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeOutcome(w, r, p.Handle, req.Wait, map[string]any{
			"peer_id":          p.PeerID,
			"registration_key": p.RegistrationKey,
		})
	})

	handlePost(mux, "/api/clear", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		if err := bus.Clear(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	})

	var (
		listenMu sync.Mutex
		stops    = map[string]func(){}
	)
	handlePost(mux, "/api/listen", func(w http.ResponseWriter, r *http.Request, req struct {
		Name string `json:"name"`
		Stop bool   `json:"stop"`
	}) {
		b, ok := bus.(broadcaster)
		if !ok {
			http.Error(w, "listeners need the pubsub transport", http.StatusNotImplemented)
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			http.Error(w, "listener name required", http.StatusBadRequest)
			return
		}
		listenMu.Lock()
		if req.Stop {
			if stop, ok := stops[name]; ok {
				stop()
				delete(stops, name)
			}
		} else if _, ok := stops[name]; !ok {
			stops[name] = b.Listen(name)
		}
		listenMu.Unlock()
		writeJSON(w, map[string]any{"listeners": b.Listeners()})
	})

	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("events: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		// messages first, so a client that has seen the peer list can rely
		// on receiving every later message
		msgs, cancelMsgs := bus.Subscribe()
		defer cancelMsgs()
		peers, cancelPeers := bus.SubscribePeers()
		defer cancelPeers()

		// Drain incoming frames (ping/pong, close) so the peer's close is seen.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			var evt wsEvent
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				evt = wsEvent{Type: "message", Message: &m}
			case list, ok := <-peers:
				if !ok {
					return
				}
				evt = wsEvent{Type: "peers", Peers: list}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debugf("events: write: %v", err)
				}
				return
			}
		}
	})
}

// writeOutcome answers immediately, or after the handle completes when wait
// is set.
func writeOutcome(w http.ResponseWriter, r *http.Request, h *track.Handle, wait bool, out map[string]any) {
	if !wait {
		out["status"] = "queued"
		writeJSON(w, out)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), waitLimit)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		http.Error(w, fmt.Sprintf("delivery failed: %v", err), statusFor(err))
		return
	}
	out["status"] = "delivered"
	writeJSON(w, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mq.ErrSelfSend), errors.Is(err, mq.ErrNoRecipient), errors.Is(err, mq.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, mq.ErrNoLocator):
		return http.StatusPreconditionFailed
	case errors.Is(err, track.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
