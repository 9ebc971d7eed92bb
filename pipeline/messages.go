package pipeline

import (
	"fmt"

	"github.com/oakhollow/psrp/clixml"
)

// pipelineStateInfo is the decoded content of a PIPELINE_STATE message.
type pipelineStateInfo struct {
	State        int32
	ExceptionRec *clixml.Complex
}

// parsePipelineState decodes a PIPELINE_STATE message body. MS-PSRP's
// pipeline state space: 1=NotStarted 2=Running 3=Stopping 4=Stopped
// 5=Completed 6=Failed 7=Disconnected.
func parsePipelineState(body []byte) (pipelineStateInfo, error) {
	v, err := clixml.Decode(body)
	if err != nil {
		return pipelineStateInfo{}, fmt.Errorf("decode PIPELINE_STATE: %w", err)
	}
	if !v.IsObject() {
		return pipelineStateInfo{}, fmt.Errorf("PIPELINE_STATE: expected object")
	}
	var info pipelineStateInfo
	for _, p := range v.Object.Adapted {
		switch p.Name {
		case "PipelineState":
			if p.Value.Kind == clixml.KindInt32 {
				info.State, _ = p.Value.Prim.(int32)
			}
		case "ExceptionAsErrorRecord":
			info.ExceptionRec = p.Value.Object
		}
	}
	if info.State == 0 {
		return pipelineStateInfo{}, fmt.Errorf("PIPELINE_STATE: missing PipelineState property")
	}
	return info, nil
}

// parseHostCall decodes a PIPELINE_HOST_CALL (or pool-scoped HOST_CALL)
// message body into its call id, method id, and parameter list.
func parseHostCall(body []byte) (callID, methodID int64, params []clixml.Value, err error) {
	v, decErr := clixml.Decode(body)
	if decErr != nil {
		return 0, 0, nil, fmt.Errorf("decode HOST_CALL: %w", decErr)
	}
	if !v.IsObject() {
		return 0, 0, nil, fmt.Errorf("HOST_CALL: expected object")
	}
	for _, p := range v.Object.Adapted {
		switch p.Name {
		case "ci":
			callID = asInt64(p.Value)
		case "mi":
			methodID = asInt64(p.Value)
		case "mp":
			if p.Value.IsObject() && p.Value.Object.Container == clixml.ContainerList {
				for _, e := range p.Value.Object.ContainerVals {
					params = append(params, e.Value)
				}
			}
		}
	}
	return callID, methodID, params, nil
}

func asInt64(v clixml.Value) int64 {
	switch v.Kind {
	case clixml.KindInt64:
		n, _ := v.Prim.(int64)
		return n
	case clixml.KindInt32:
		n, _ := v.Prim.(int32)
		return int64(n)
	default:
		return 0
	}
}

// buildHostResponse renders a PIPELINE_HOST_RESPONSE body for a completed
// host-call, carrying either a result value or an exception, never both.
func buildHostResponse(callID, methodID int64, result clixml.Value, callErr *clixml.Complex) ([]byte, error) {
	props := []clixml.Property{
		{Name: "ci", Value: clixml.Int64(callID)},
		{Name: "mi", Value: clixml.Int64(methodID)},
	}
	if callErr != nil {
		props = append(props, clixml.Property{Name: "me", Value: clixml.Object(callErr)})
	} else {
		props = append(props, clixml.Property{Name: "mr", Value: result})
	}
	return clixml.Encode(clixml.Object(&clixml.Complex{Adapted: props}))
}

// buildPipelineInput wraps data as a PIPELINE_INPUT message body: a single
// serialized value written to the pipeline's input stream.
func buildPipelineInput(v clixml.Value) ([]byte, error) {
	return clixml.Encode(v)
}
