// Package shim is the client side of the supervisor protocol.
//
// Ownership boundary:
// - request/reply round trips against the broker slot
// - result-code to error mapping
// - the per-process cache of looked-up send rights
// - bounded waiting for names that have not appeared yet
//
// The broker endpoint is resolved from the environment on every call.
// Nothing here caches the slot, so a supervisor can re-point a child
// that raced ahead of the broker.
package shim
