// Package test holds the end-to-end tests and their helpers.
package test

import (
	"net/http"
	"net/http/httptest"

	"github.com/go-logr/logr"

	"github.com/pgillich/bews-doubler/internal/model"
)

// TestServerRunner serves the status endpoint on an httptest server instead of addr.
func TestServerRunner(server *httptest.Server, started chan struct{}) model.ServerRunner {
	return func(h http.Handler, shutdown <-chan struct{}, addr string, log logr.Logger) {
		server.Config.Handler = h
		log.Info("TestServer start", "addr", addr)
		server.Start()
		close(started)
		log.Info("TestServer started")
		<-shutdown
		log.Info("TestServer shutdown")
		server.Close()
	}
}
