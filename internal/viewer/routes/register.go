// internal/viewer/routes/register.go
package routes

import (
	"net/http"

	"github.com/petervdpas/winmesh/internal/mq"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	Bus  mq.Bus
	Logs Logs
	// Info adds process details (peer dir, store path, transport address)
	// to GET /api/self.
	Info func() map[string]any
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	if d.Bus != nil {
		RegisterMQ(mux, d)
	}
}
