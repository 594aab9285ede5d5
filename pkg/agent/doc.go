// Package agent drives a set of LwM2M objects: a scheduler refreshes the
// data-backed objects once per period on its own goroutine, while Runtime
// runs the single-threaded readiness loop that lets the protocol engine
// serve its sockets and timers.
//
// The two contexts share objects only through lwm2m.Object, whose
// per-object lock makes each refresh visible to the engine as one step.
package agent
