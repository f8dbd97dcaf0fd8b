// Package wire holds the block-structured message representation that
// the client engine and connection layer exchange. A [Message] owns a
// fixed-size area, usually borrowed from a pool, and slices start lines,
// headers and payload chunks into it as typed blocks.
//
// Producers append at the tail with the Add methods, which fail with
// [ErrFull] rather than grow; consumers walk the front with [Message.First]
// and [Message.Drop]. A block is handled whole or not at all, so a
// consumer that is out of downstream room simply leaves the first block
// in place and the producer stalls once the area fills. Payload accessors
// return slices into the area and stay valid until the block is dropped.
package wire
