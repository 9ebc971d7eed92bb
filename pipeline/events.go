package pipeline

import "github.com/oakhollow/psrp/clixml"

// EventKind discriminates the shape of an Event.
type EventKind int

const (
	EventOutput EventKind = iota
	EventError
	EventRecord
	EventHostCall
	EventFinished
)

func (k EventKind) String() string {
	switch k {
	case EventOutput:
		return "Output"
	case EventError:
		return "Error"
	case EventRecord:
		return "Record"
	case EventHostCall:
		return "HostCall"
	case EventFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// RecordKind identifies which informational stream a Record belongs to.
type RecordKind int

const (
	RecordDebug RecordKind = iota
	RecordVerbose
	RecordWarning
	RecordProgress
	RecordInformation
)

// Record is one informational-stream item (debug, verbose, warning,
// progress, or information).
type Record struct {
	Kind  RecordKind
	Value clixml.Value
}

// HostCall is a method invocation the server is asking the embedding host
// to perform, decoded from a PIPELINE_HOST_CALL message. The hostcall
// package is responsible for interpreting MethodID/Parameters and calling
// Respond.
type HostCall struct {
	CallID     int64
	MethodID   int64
	Parameters []clixml.Value

	respond func(result clixml.Value, callErr *clixml.Complex)
}

// Respond sends a PIPELINE_HOST_RESPONSE for this call. Exactly one of
// result or callErr should be meaningful, matching the void/value/throws
// classification the caller already resolved.
func (h *HostCall) Respond(result clixml.Value, callErr *clixml.Complex) {
	if h.respond != nil {
		h.respond(result, callErr)
	}
}

// NewHostCall builds a HostCall with a caller-supplied respond function.
// Production code receives HostCall values from a Pipeline's event stream;
// this constructor exists for code that drives a Dispatcher directly, such
// as tests.
func NewHostCall(callID, methodID int64, params []clixml.Value, respond func(result clixml.Value, callErr *clixml.Complex)) *HostCall {
	return &HostCall{CallID: callID, MethodID: methodID, Parameters: params, respond: respond}
}

// Event is one item of a pipeline's event stream.
type Event struct {
	Kind EventKind

	Output clixml.Value
	Error  *clixml.Complex
	Record Record

	HostCall *HostCall

	FinishedState State
	FinishedErr   error
}
