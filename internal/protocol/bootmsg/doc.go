// Package bootmsg owns the byte-exact supervisor wire contract.
//
// Ownership boundary:
// - fixed-layout request/reply images
// - message identifiers, result codes, dispositions
// - header bits packing and the reply-id offset
//
// Every offset and width here is dictated by the legacy peer; a one-byte
// deviation makes its parser read garbage without failing loudly.
package bootmsg
