// Package server runs the control plane's single HTTP listener.
//
// Every request passes through the same middleware chain of security
// headers, CORS, request ids, structured request logging and rate limiting
// before reaching the operator API, the RTMP callbacks or /metrics. PIN
// attempts get their own per-client budget, optionally shared through Redis.
package server
