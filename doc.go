// Package haproxy assembles the internal HTTP client stack: buffer
// pools, the single-goroutine scheduler loop, the client engine and the
// admin socket. Most programs build a [Runtime] from a [Config] and
// call [Runtime.Run]; the underlying packages remain usable on their
// own.
package haproxy
