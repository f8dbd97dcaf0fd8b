// Package httpclient implements an internal, non-blocking HTTP client
// whose exchanges run as cooperative tasks on a [sched.Loop] and whose
// buffers come from shared [pool.Registry] pools.
//
// # Building an Engine
//
// Use [Build] to assemble a [Client] on an existing loop and registry
// with functional options:
//
//	c, err := httpclient.Build(loop, pools,
//		httpclient.WithLogger(log),
//		httpclient.WithBufSize(32<<10),
//	)
//
// # Making Requests
//
// Allocate a [Handle], generate the request into its arena, then start
// it. The response arrives through the handle's [Observer] on the loop
// goroutine:
//
//	h, err := c.New(nil, "GET", "http://127.0.0.1:8080/info")
//	sink := httpclient.NewBodySink(&body)
//	h.SetObserver(sink)
//	err = h.GenRequest("http://127.0.0.1:8080/info", "GET", nil)
//	_, err = h.Start()
//	<-sink.Done()
//
// Destinations must carry a literal IP address; the client performs no
// name resolution.
//
// # Backpressure
//
// Body bytes accumulate in a fixed response buffer and only move out
// through [Handle.ResXfer], at most 1 KiB per call. A full buffer parks
// the exchange, which in turn stalls the connection's reader, so a slow
// consumer throttles the peer instead of growing memory.
//
// # Ownership
//
// A started handle is driven by a task that holds it until the exchange
// ends. [Handle.Destroy] is only legal once that task has detached;
// [Handle.StopAndDestroy] aborts at any point and destroys on detach.
package httpclient
