// Package httpserver builds the engine's HTTP server.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server for the webhook and capture routes. WriteTimeout
// covers a full synchronous webhook round trip including the vault call.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    64 << 10,
	}
}
