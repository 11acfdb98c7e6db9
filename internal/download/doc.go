// Package download streams the encrypted audio segments of a library item
// to disk. The delivery endpoint answers a signed request with a redirect
// to a CDN URL; segments download sequentially with progress published per
// parent item.
package download
