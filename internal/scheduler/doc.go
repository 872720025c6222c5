// Package scheduler drives work items to a fixed point.
//
// Each pass submits every pending item concurrently through a bounded errgroup and waits
// for all of them before the next pass starts. Deferred items return to the pending queue
// in their original relative order. The iteration stops when no item is deferred or when
// a pass leaves the deferred count unchanged from the previous pass.
package scheduler
