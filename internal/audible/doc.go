// Package audible is the signed client for the catalog and library API:
// paginated library listings, per-item detail lookups, activation secret
// retrieval, and device deregistration. All calls ride on a session.Manager
// so tokens are refreshed before they are used.
package audible
