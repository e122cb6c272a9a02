// Package api hosts the HTTP server, middleware, and admin handlers for the
// crawler. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/admin/crawler/{start,pause,resume,stop} to control runs.
//   - GET /api/admin/crawler/status, /jobs and /jobs/{job_id} to observe them.
package api
