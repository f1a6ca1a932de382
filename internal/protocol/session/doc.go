// Package session owns the originator/acceptor handshake layered above
// the registry.
//
// Ownership boundary:
// - connection state machine, forward-only
// - fixed-shape registration image sent to the directory service
// - session-open status exchange
//
// A session object is single-use. Any failure leaves it discarded; retry
// means building a fresh one.
package session
