// Package sched provides the cooperative scheduler the client engine
// runs on. A [Loop] owns a single goroutine; every task step, release
// hook and posted closure executes there, which is what lets handles and
// decoders keep plain, unlocked fields.
//
// Work enters the loop two ways. [Loop.Post] hands a closure to the loop
// goroutine and is how other goroutines, such as socket readers, mutate
// loop-owned state. [Task.Wake] queues a parked task for another
// [Handler.Step]; wakes coalesce, so a task observes "something changed"
// rather than one event per wake. A step must not block: it does what it
// can, then returns [Park] to wait, [Again] to continue next cycle, or
// [Exit] to be released.
package sched
