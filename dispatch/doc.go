// Package dispatch turns alias-based caller requests into correlated command
// round trips against the device session.
//
// The wire protocol carries no request/response identifiers, so correctness
// depends on a strict single-command-in-flight discipline: a single worker
// goroutine consumes a FIFO request queue and owns the session exclusively
// for the duration of each send/await cycle. Concurrent callers queue in
// submission order; none of them ever touch the stream directly.
//
// A command that times out leaves a response owed on the stream. Before the
// next command is sent the worker waits out that late line (or forces a
// reconnect), so a timed-out request can never corrupt the correlation of
// the requests behind it.
package dispatch
