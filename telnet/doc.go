// Package telnet implements the transport session to the device: a single
// long-lived TCP connection carrying line-oriented text.
//
// A Connection owns exactly one underlying net.Conn at a time. It provides
// line-level send and receive primitives, classifies inbound lines into
// telemetry and command responses, and transparently reconnects with bounded
// exponential backoff when the device drops the connection.
//
// The wire protocol has no framing beyond line terminators and no
// request/response correlation identifiers. Correlation is therefore the
// responsibility of the dispatch package, which enforces a strict
// single-command-in-flight discipline on top of this package.
package telnet
