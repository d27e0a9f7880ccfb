// Package coordclient implements the server side of the coordinator link
// (spec.md §6.1): a line-oriented text protocol over TCP. It sends the
// announce line on connect, reads the coordinator's directive stream
// through internal/config.ParseStream, replies ACK or BAD, and reports
// location failures, transfer failures, and quiesce completion back
// upstream. The coordinator's own placement logic is out of scope; this
// package only speaks its wire-level half.
package coordclient
