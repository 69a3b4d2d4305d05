// Package host wraps github.com/google/gousb to provide the USB transport
// half of the nxdt-host protocol: device discovery by VID/PID/manufacturer,
// configuration and interface claiming, and ZLT-agnostic bulk IN/OUT
// transfers decomposed into short polled waits so a stop request is observed
// with bounded latency.
//
// host enforces no framing semantics of its own — sizes are caller
// specified, and interpreting the nxdt-host wire format is the job of
// package protocol.
package host
