// Package gateway wires the warden components behind a single HTTP surface.
//
// # Overview
//
// The gateway owns construction and lifecycle: it opens the activity ledger,
// builds the runtime manager with its per-agent circuit breaker, creates the
// admission controller and terminal multiplexer, registers scheduled
// triggers, and serves the API. Shutdown drains in dependency order so
// in-flight work settles and every transition reaches the ledger.
//
// # API surface
//
//	POST /api/executions                      submit work (Idempotency-Key honored)
//	GET  /api/executions/{id}                 execution state plus its ledger trail
//	POST /api/executions/{id}/terminate       graceful or force termination
//	GET  /api/agents/{id}/admission           lock, queue, and slot snapshot
//	POST /api/agents/{id}/force-release       administrative lock release (admin role)
//	GET  /api/agents/{id}/sessions            open terminal sessions
//	GET  /api/agents/{id}/feed                SSE activity feed with replay
//	GET  /api/agents/{id}/terminal            WebSocket terminal bridge
//	GET  /health, /health/ready               liveness and readiness
//
// # Authentication
//
// With auth.jwt_secret configured, every /api route requires a bearer token
// and force-release additionally requires the admin or owner role. Without a
// secret the gateway runs open and logs a warning at startup.
//
// # Error mapping
//
// Admission sentinel errors map onto HTTP status codes: an unavailable agent
// is 503, exceeded capacity is 429, an unknown execution is 404, and an
// invalid lane is 400. Capacity rejections are backpressure, not faults;
// clients retry later or drop the occurrence.
package gateway
