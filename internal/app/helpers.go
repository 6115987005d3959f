// internal/app/helpers.go
package app

import (
	"strings"

	"github.com/petervdpas/winmesh/internal/config"
)

// NormalizeLocalViewer keeps the viewer on loopback and returns the listen
// address and the browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("winmesh window")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Transport   : %s", cfg.Transport.Mode)
	if cfg.Transport.Mode == config.ModeStore {
		log.Infof(" Store       : %s (prefix %s)", cfg.Store.Path, cfg.Store.KeyPrefix)
	} else {
		log.Infof(" Topic       : %s", cfg.Transport.Topic)
	}
	log.Info("────────────────────────────────────────")
}
