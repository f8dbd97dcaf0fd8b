// Package buf provides the fixed-capacity byte rings that back response
// payload staging and administrative session output.
//
// A [Buffer] never grows: producers check [Buffer.Room] and copy a block
// only when it fits whole, which is what lets the response decoder stop
// cleanly at a full buffer and resume after a consumer drains it.
package buf
