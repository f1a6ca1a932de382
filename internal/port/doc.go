// Package port owns the capability layer over the kernel message primitive.
//
// Ownership boundary:
// - capability handles (file descriptors) and their right kinds
// - seqpacket datagram I/O with out-of-band capability transfer
// - the per-process broker slot, re-read on every call
//
// A capability is a file descriptor. A receive right is the reading end of a
// dedicated socketpair; send rights are duplicates of the opposite end.
package port
