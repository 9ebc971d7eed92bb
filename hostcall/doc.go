// Package hostcall implements the client-host call/response protocol:
// dispatching a server-issued HostCall (decoded by the pipeline package)
// to embedder-supplied handlers and turning the result, error, or a
// recovered panic into a PIPELINE_HOST_RESPONSE. Calls on one pipeline are
// serialized; calls on distinct pipelines run in parallel.
package hostcall
