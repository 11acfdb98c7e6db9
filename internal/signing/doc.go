// Package signing implements the vendor's custom request signature scheme:
// an RSA PKCS#1 v1.5 signature over METHOD, path+query, UTC timestamp, body,
// and device token, carried in three x-adp-* headers on every API and
// content-resolution call.
package signing
