// Package api hosts the HTTP servers of the snapshot proxy.
//
// The public handler sends every request through the snapshot middleware
// and, when not intercepted, to the upstream application. It owns no paths
// of its own.
//
// The admin handler serves:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/detect to ask whether a URL and user agent would be served a
//     snapshot.
//   - GET /v1/robots/{kind} and /v1/extensions/{kind} to inspect the robot
//     and extension lists.
//   - POST /v1/robots/{kind} and /v1/extensions/{kind} to extend them at
//     runtime. These are mounted only when server.api_key is set.
package api
