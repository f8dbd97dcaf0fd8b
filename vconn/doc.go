// Package vconn binds the client engine to real sockets. A [Route]
// fixes how one scheme is reached: plain TCP or TLS, connect and idle
// timeouts, and an optional admission limiter. A [Conn] carries a single
// request/response exchange with a literal destination address.
//
// A conn's state belongs to a scheduler loop. The socket goroutines never
// touch it directly: reads are posted onto the loop, where an incremental
// HTTP/1 parser turns them into inbound message blocks, and events wake
// the waiting task. When the inbound message area fills, the reader stops
// pulling from the socket until the consumer drops blocks and calls
// [Conn.Pump], so slow consumers throttle the peer through TCP itself.
package vconn
