// Package server implements the HTTP API of the pipelined daemon.
//
// The API accepts trigger events, exposes run state and cancellation, and
// publishes and lists templates. It listens on a TCP address, or on a Unix
// domain socket when the address has the unix:// scheme; the socket is
// restricted to its owner and the configured group. Every request gets a
// request id, is logged when it completes, recovers from handler panics and
// is traced.
//
//	POST /v1/triggers                       start a run, 202 {"id": ...}
//	GET  /v1/runs                           list runs (repository, status, limit)
//	GET  /v1/runs/{id}                      run state
//	POST /v1/runs/{id}/cancel               abort an active run
//	GET  /v1/templates                      template names and versions
//	POST /v1/templates                      publish YAML templates
//	GET  /v1/templates/{name}[/{version}]   one template
//	GET  /healthz                           daemon status
//	GET  /metrics                           Prometheus metrics
//
// Example usage:
//
//	srv := server.New(server.Config{Address: "unix://"}, svc, registry)
//
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop(context.Background())
//
//	srv.Wait()
package server
