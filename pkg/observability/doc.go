// Package observability provides structured logging and Prometheus metrics
// for the authorization and entitlement engine.
//
// The logger is a thin wrapper over stdlib slog producing JSON output with
// field chaining (WithField/WithFields/WithError) and context plumbing so
// request-scoped fields (request id, actor id) follow the request through
// the guard and resolver.
//
// Metrics cover the engine's decision points: authorization outcomes,
// resolution latency and source (snapshot vs membership fallback), snapshot
// cache hits/misses, and entitlement check outcomes including the fail-open
// path, which is counted separately so operators can see quota enforcement
// degrading during storage incidents.
package observability
