// Package pool implements size-classed free-list allocators for the
// fixed-size buffers used throughout the engine.
//
// Pools of the same rounded chunk size can be shared between call sites
// that both opt in, so that for example a request buffer pool and a
// response buffer pool of identical size end up backed by one free list:
//
//	reg := pool.NewRegistry()
//	reqPool := reg.Create("client-req", 16384, pool.Shared)
//	resPool := reg.Create("client-res", 16384, pool.Shared)
//	// reqPool == resPool
//
// A [Registry] is an explicit object rather than process-global state;
// construct one per process context and inject it into each subsystem
// that allocates.
//
// Garbage collection ([Registry.GC]) trims free lists under memory
// pressure but honors a per-pool floor ([Pool.SetMinAvail]) and never
// releases chunks that are handed out.
package pool
