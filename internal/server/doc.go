// Package server implements the HTTP surface of the relay. It maps the
// upload, resolve, download and delete routes onto a Relay, and adds the
// request id, access log, rate limit and metrics middleware plus the
// liveness and readiness probes used by the production binary and tests.
package server
