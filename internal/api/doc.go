// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for clone job submission, control, and verification.
//   - /v1/account for credit balances and purchases.
//   - /v1/proxy/nodes for contributed proxy nodes.
//   - /v1/recovery/sites for scheduled backups and failover probes.
//
// Every /v1 route requires the X-Owner-ID header.
package api
