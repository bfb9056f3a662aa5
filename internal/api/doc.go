// Package api hosts the operator HTTP API of the mixer control plane.
//
// Every /api route is scoped to the owner resolved from the caller's bearer
// token; an operator can only see and drive their own cameras, channel and
// relays. Handlers translate domain errors into a stable JSON error body so
// the console can tell a wrong PIN from a camera that is not ready or an
// encoder that failed to start.
//
// The router also mounts the ingest callbacks, the health probe and the
// Prometheus endpoint so one listener serves everything.
package api
