// Package broker owns the supervisor daemon: the name registry, the
// request loop, pre-provisioning, helper spawning, and the admin surface.
//
// Ownership boundary:
// - the name -> capability registry (loop goroutine only, no locks)
// - request dispatch and reply construction
// - lifecycle: signals, PID file, heartbeat, shutdown ordering
//
// Per-connection readers feed one request channel; every registry touch
// happens on the loop goroutine. A failed request is logged and answered,
// never allowed to stop the loop.
package broker
