package runspace

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/psrp"
)

// protocolVersion, psVersion and serializationVersion are the values this
// client advertises in SESSION_CAPABILITY, matching the PSRP 2.3 wire
// profile spec.md §3 describes.
const (
	protocolVersion      = "2.3"
	psVersion            = "2.0"
	serializationVersion = "1.1.0.1"
)

// HostInfo is the minimal host presence snapshot sent in INIT_RUNSPACEPOOL.
// A zero-value HostInfo tells the server no host is available, matching
// the "host-null" shape real PSRP clients send when they don't expose a
// PSHost to the remote side.
type HostInfo struct {
	IsHostNull      bool
	IsHostUINull    bool
	IsHostRawUINull bool
	UseRunspaceHost bool
}

// DefaultHostInfo is the host-null snapshot used when the embedder supplies
// none.
func DefaultHostInfo() HostInfo {
	return HostInfo{
		IsHostNull:      true,
		IsHostUINull:    true,
		IsHostRawUINull: true,
		UseRunspaceHost: false,
	}
}

func (h HostInfo) toComplex() *clixml.Complex {
	return &clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "_isHostNull", Value: clixml.Bool(h.IsHostNull)},
			{Name: "_isHostUINull", Value: clixml.Bool(h.IsHostUINull)},
			{Name: "_isHostRawUINull", Value: clixml.Bool(h.IsHostRawUINull)},
			{Name: "_useRunspaceHost", Value: clixml.Bool(h.UseRunspaceHost)},
		},
	}
}

// buildSessionCapability renders a SESSION_CAPABILITY message body.
func buildSessionCapability() ([]byte, error) {
	obj := clixml.Object(&clixml.Complex{
		TypeNames: clixml.TypeNames{"System.Management.Automation.Remoting.RemoteSessionCapability"},
		Adapted: []clixml.Property{
			{Name: "PSVersion", Value: clixml.Version(psVersion)},
			{Name: "protocolversion", Value: clixml.Version(protocolVersion)},
			{Name: "SerializationVersion", Value: clixml.Version(serializationVersion)},
		},
	})
	return clixml.Encode(obj)
}

// buildInitRunspacePool renders an INIT_RUNSPACEPOOL message body.
func buildInitRunspacePool(minRunspaces, maxRunspaces int, host HostInfo, appArgs map[string]clixml.Value) ([]byte, error) {
	props := []clixml.Property{
		{Name: "MinRunspaces", Value: clixml.Int32(int32(minRunspaces))},
		{Name: "MaxRunspaces", Value: clixml.Int32(int32(maxRunspaces))},
		{Name: "PSThreadOptions", Value: clixml.Object(&clixml.Complex{
			TypeNames: clixml.TypeNames{"System.Management.Automation.Runspaces.PSThreadOptions"},
			BaseValue: valPtr(clixml.Int32(0)),
		})},
		{Name: "ApartmentState", Value: clixml.Object(&clixml.Complex{
			TypeNames: clixml.TypeNames{"System.Management.Automation.Runspaces.ApartmentState"},
			BaseValue: valPtr(clixml.Int32(2)),
		})},
		{Name: "HostInfo", Value: clixml.Object(host.toComplex())},
	}

	if len(appArgs) > 0 {
		entries := make([]clixml.Entry, 0, len(appArgs))
		for k, v := range appArgs {
			entries = append(entries, clixml.Entry{Key: valPtr(clixml.String(k)), Value: v})
		}
		props = append(props, clixml.Property{
			Name: "ApplicationArguments",
			Value: clixml.Object(&clixml.Complex{
				Container:     clixml.ContainerDictionary,
				ContainerVals: entries,
			}),
		})
	}

	obj := clixml.Object(&clixml.Complex{Adapted: props})
	return clixml.Encode(obj)
}

func valPtr(v clixml.Value) *clixml.Value { return &v }

// parseRunspacePoolState parses a RUNSPACEPOOL_STATE message body, returning
// the numeric state the server reported (the mapping to our own State enum
// lives in pool.go, since the server's state space is MS-PSRP's, not ours).
func parseRunspacePoolState(body []byte) (int32, error) {
	v, err := clixml.Decode(body)
	if err != nil {
		return 0, fmt.Errorf("decode RUNSPACEPOOL_STATE: %w", err)
	}
	if !v.IsObject() {
		return 0, fmt.Errorf("RUNSPACEPOOL_STATE: expected object")
	}
	for _, p := range v.Object.Adapted {
		if p.Name == "RunspaceState" && p.Value.Kind == clixml.KindInt32 {
			n, _ := p.Value.Prim.(int32)
			return n, nil
		}
	}
	return 0, fmt.Errorf("RUNSPACEPOOL_STATE: missing RunspaceState property")
}

// BuildCreatePipeline renders a CREATE_PIPELINE message body for a command
// invocation. script is the PowerShell command/script text; arguments are
// bound positionally.
func BuildCreatePipeline(script string, isScript bool, args []clixml.Value, noInput bool) ([]byte, error) {
	cmds := []clixml.Value{clixml.Object(&clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "Cmd", Value: clixml.String(script)},
			{Name: "IsScript", Value: clixml.Bool(isScript)},
			{Name: "UseLocalScope", Value: clixml.Bool(false)},
			{Name: "MergeMyResult", Value: clixml.Int32(0)},
			{Name: "MergeToResult", Value: clixml.Int32(0)},
			{Name: "MergePreviousResults", Value: clixml.Int32(0)},
			{Name: "Args", Value: clixml.Object(&clixml.Complex{
				Container:     clixml.ContainerList,
				ContainerVals: toEntries(args),
			})},
		},
	})}

	powerShell := clixml.Object(&clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "Cmds", Value: clixml.Object(&clixml.Complex{
				Container:     clixml.ContainerList,
				ContainerVals: toEntries(cmds),
			})},
			{Name: "IsNested", Value: clixml.Bool(false)},
			{Name: "History", Value: clixml.Nil()},
			{Name: "RedirectShellErrorOutputPipe", Value: clixml.Bool(true)},
		},
	})

	obj := clixml.Object(&clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "NoInput", Value: clixml.Bool(noInput)},
			{Name: "ApartmentState", Value: clixml.Int32(2)},
			{Name: "RemoteStreamOptions", Value: clixml.Int32(0)},
			{Name: "AddToHistory", Value: clixml.Bool(true)},
			{Name: "HostInfo", Value: clixml.Object(DefaultHostInfo().toComplex())},
			{Name: "PowerShell", Value: powerShell},
			{Name: "IsNested", Value: clixml.Bool(false)},
		},
	})
	return clixml.Encode(obj)
}

func toEntries(vals []clixml.Value) []clixml.Entry {
	entries := make([]clixml.Entry, len(vals))
	for i, v := range vals {
		entries[i] = clixml.Entry{Value: v}
	}
	return entries
}

// wrapMessage frames body as a PSRP message of type t addressed to the
// server, scoped to runspaceID and, when non-nil, pipelineID.
func wrapMessage(t psrp.MessageType, runspaceID uuid.UUID, pipelineID uuid.UUID, body []byte) psrp.Message {
	return psrp.Message{
		Destination: psrp.DestinationServer,
		Type:        t,
		RunspaceID:  runspaceID,
		PipelineID:  pipelineID,
		Body:        body,
	}
}
