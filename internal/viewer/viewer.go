// Package viewer serves the local HTTP surface of a window: the bus API,
// the log tail and Prometheus metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/winmesh/internal/metrics"
	"github.com/petervdpas/winmesh/internal/mq"
	"github.com/petervdpas/winmesh/internal/viewer/routes"
)

var log = logging.Logger("viewer")

const shutdownGrace = 5 * time.Second

type Viewer struct {
	Bus  mq.Bus
	Logs *LogBuffer
	// Info adds process details to GET /api/self.
	Info func() map[string]any
}

// Handler builds the mux for v. API responses are never cached.
func Handler(v Viewer) http.Handler {
	metrics.RegisterMetrics()

	api := http.NewServeMux()
	deps := routes.Deps{Bus: v.Bus, Info: v.Info}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(api, deps)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(api))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// Start serves v on addr until ctx is cancelled. ready, when non-nil,
// receives the bound address once the listener is open.
func Start(ctx context.Context, addr string, v Viewer, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(ln.Addr())
	}
	log.Infof("viewer listening on http://%s", ln.Addr())

	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// Streaming handlers only end when their request context does.
	if err := srv.Shutdown(shutCtx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	return nil
}
