// internal/app/helpers.go
package app

import (
	"strings"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost and
// returns the listen addr and browser URL.
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

func logBanner(peerDir, cfgPath, userID string) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall peer scope")
	log.Infof(" User        : %s", userID)
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
