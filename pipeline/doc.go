// Package pipeline implements a PSRP pipeline: a single command or script
// invocation running inside a runspace.Pool, exposed as a state machine and
// a typed event stream. It decodes the raw psrp.Message values a Pool
// routes to it into Output/Error/Record/HostCall/Finished events, and
// encodes pipeline input/stop/host-response messages back down through the
// pool.
package pipeline
