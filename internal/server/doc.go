// Package server implements the apexd HTTP API.
//
// The daemon listens on a Unix domain socket and serves a versioned JSON
// API under /v1: package and template registration, build submission,
// build status and logs, cancellation, and daemon status and shutdown.
// Prometheus metrics are exposed on /metrics. Errors are returned as a
// JSON envelope with an "error" field; store sentinels map to 400, 404,
// and 409 as appropriate.
//
// Example usage:
//
//	srv := server.New(server.Config{}, st, orc, engines)
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
