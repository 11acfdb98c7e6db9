// Package register implements the browser-assisted device registration
// flow: a PKCE-protected sign-in URL the user completes manually, then an
// authorization-code exchange that yields the full session record.
package register
