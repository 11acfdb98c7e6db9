// Package session owns the authenticated device state: the Record holding
// tokens and the device key, an encrypted at-rest store keyed through the
// credential vault, and the Manager that refreshes the access token before
// any signed call. Refresh is single-flight: concurrent expired callers
// serialize on the manager lock and only the first performs the exchange.
package session
