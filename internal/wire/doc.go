// Package wire implements the binary framing of HyperDex's inter-server
// protocol (spec.md §6.2): a fixed header followed by a type-specific,
// length-prefixed payload. The physical transport (BusyBee in the original
// system) is out of scope; this package only defines the byte layout that
// rides on top of whatever point-to-point transport internal/transport
// uses.
package wire
