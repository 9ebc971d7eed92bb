// Package runspace implements the PSRP runspace pool: the state machine
// that opens a WS-Management shell, drives a single cooperative receive
// loop, and owns every pipeline created against it. It is the top of the
// protocol stack — clixml encodes values, psrp frames and fragments
// messages, wsman carries them over HTTP, and runspace ties all three
// together into the behavior described by the host-facing Pool API.
package runspace
