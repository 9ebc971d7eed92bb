package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/psrp"
	"github.com/oakhollow/psrp/runspace"
)

// pool is the subset of *runspace.Pool a Pipeline drives. Defined as an
// interface so tests can substitute a fake pool.
type pool interface {
	ID() uuid.UUID
	RegisterPipeline(id uuid.UUID) <-chan psrp.Message
	UnregisterPipeline(id uuid.UUID)
	StartPipeline(ctx context.Context, id uuid.UUID, body []byte) error
	SendPipelineMessage(ctx context.Context, id uuid.UUID, t psrp.MessageType, body []byte) error
	Signal(ctx context.Context, id uuid.UUID, code string) error
}

var _ pool = (*runspace.Pool)(nil)

// Pipeline is a single command invocation running inside a runspace pool.
type Pipeline struct {
	id     uuid.UUID
	pool   pool
	logger *slog.Logger

	mu    sync.Mutex
	state State

	events chan Event
	inbox  <-chan psrp.Message
	done   chan struct{}
}

// New creates a Pipeline bound to a fresh id within p. The pipeline is not
// yet started; call Invoke.
func New(p pool, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Pipeline{
		id:     id,
		pool:   p,
		logger: logger,
		state:  StateNotStarted,
		events: make(chan Event, 64),
		inbox:  p.RegisterPipeline(id),
		done:   make(chan struct{}),
	}
}

// ID returns the pipeline's id.
func (pl *Pipeline) ID() uuid.UUID { return pl.id }

// State returns the pipeline's current lifecycle state.
func (pl *Pipeline) State() State {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.state
}

// Events returns the pipeline's typed event stream. It is closed after an
// EventFinished event is delivered.
func (pl *Pipeline) Events() <-chan Event { return pl.events }

func (pl *Pipeline) setState(s State) {
	pl.mu.Lock()
	pl.state = s
	pl.mu.Unlock()
}

// Invoke sends CREATE_PIPELINE for script (a command name or, when
// isScript is true, a script body) bound to args, and starts the
// dispatch loop that turns server messages into Events.
func (pl *Pipeline) Invoke(ctx context.Context, script string, isScript bool, args []clixml.Value, noInput bool) error {
	if pl.State() != StateNotStarted {
		return fmt.Errorf("pipeline: invoke called in state %s", pl.State())
	}
	body, err := runspace.BuildCreatePipeline(script, isScript, args, noInput)
	if err != nil {
		return err
	}
	if err := pl.pool.StartPipeline(ctx, pl.id, body); err != nil {
		return err
	}
	pl.setState(StateRunning)
	go pl.dispatchLoop()
	return nil
}

// Input writes one value to the pipeline's input stream. Valid only while
// the pipeline is Running and was started with noInput=false.
func (pl *Pipeline) Input(ctx context.Context, v clixml.Value) error {
	body, err := buildPipelineInput(v)
	if err != nil {
		return err
	}
	return pl.pool.SendPipelineMessage(ctx, pl.id, psrp.PipelineInput, body)
}

// CloseInput signals the end of the pipeline's input stream.
func (pl *Pipeline) CloseInput(ctx context.Context) error {
	return pl.pool.SendPipelineMessage(ctx, pl.id, psrp.EndOfPipelineInput, nil)
}

// Stop requests the pipeline stop, via a WS-Management signal.
func (pl *Pipeline) Stop(ctx context.Context) error {
	pl.setState(StateStopping)
	return pl.pool.Signal(ctx, pl.id, "powershell/signal/ctrl_c")
}

// respondHostCall answers a HostCall previously delivered on the event
// stream, writing a PIPELINE_HOST_RESPONSE.
func (pl *Pipeline) respondHostCall(ctx context.Context, callID, methodID int64, result clixml.Value, callErr *clixml.Complex) error {
	body, err := buildHostResponse(callID, methodID, result, callErr)
	if err != nil {
		return err
	}
	return pl.pool.SendPipelineMessage(ctx, pl.id, psrp.PipelineHostResponse, body)
}

// dispatchLoop decodes raw messages off the pool's inbox into typed
// events, until the pipeline reaches a terminal state or the pool closes
// the inbox.
func (pl *Pipeline) dispatchLoop() {
	defer close(pl.events)
	for msg := range pl.inbox {
		switch msg.Type {
		case psrp.PipelineOutput:
			v, err := clixml.Decode(msg.Body)
			if err != nil {
				pl.logger.Warn("malformed pipeline output", "pipeline_id", pl.id, "error", err)
				continue
			}
			pl.events <- Event{Kind: EventOutput, Output: v}

		case psrp.ErrorRecord:
			v, err := clixml.Decode(msg.Body)
			if err != nil || !v.IsObject() {
				pl.logger.Warn("malformed error record", "pipeline_id", pl.id, "error", err)
				continue
			}
			pl.events <- Event{Kind: EventError, Error: v.Object}

		case psrp.DebugRecord, psrp.VerboseRecord, psrp.WarningRecord, psrp.ProgressRecord, psrp.InformationRecord:
			v, err := clixml.Decode(msg.Body)
			if err != nil {
				pl.logger.Warn("malformed record", "pipeline_id", pl.id, "type", msg.Type, "error", err)
				continue
			}
			pl.events <- Event{Kind: EventRecord, Record: Record{Kind: recordKindFor(msg.Type), Value: v}}

		case psrp.PipelineHostCall:
			callID, methodID, params, err := parseHostCall(msg.Body)
			if err != nil {
				pl.logger.Warn("malformed host call", "pipeline_id", pl.id, "error", err)
				continue
			}
			call := &HostCall{
				CallID:     callID,
				MethodID:   methodID,
				Parameters: params,
				respond: func(result clixml.Value, callErr *clixml.Complex) {
					if err := pl.respondHostCall(context.Background(), callID, methodID, result, callErr); err != nil {
						pl.logger.Error("host call response failed", "pipeline_id", pl.id, "error", err)
					}
				},
			}
			pl.events <- Event{Kind: EventHostCall, HostCall: call}

		case psrp.PipelineState:
			info, err := parsePipelineState(msg.Body)
			if err != nil {
				pl.logger.Warn("malformed pipeline state", "pipeline_id", pl.id, "error", err)
				continue
			}
			final := stateFor(info.State)
			pl.setState(final)
			if final.Terminal() {
				var ferr error
				if info.ExceptionRec != nil {
					reason := "unknown error"
					if info.ExceptionRec.ToString != nil {
						reason = *info.ExceptionRec.ToString
					}
					ferr = fmt.Errorf("pipeline failed: %s", reason)
				}
				pl.events <- Event{Kind: EventFinished, FinishedState: final, FinishedErr: ferr}
				pl.pool.UnregisterPipeline(pl.id)
				return
			}

		default:
			pl.logger.Debug("unhandled pipeline message", "pipeline_id", pl.id, "type", msg.Type)
		}
	}
}

func recordKindFor(t psrp.MessageType) RecordKind {
	switch t {
	case psrp.DebugRecord:
		return RecordDebug
	case psrp.VerboseRecord:
		return RecordVerbose
	case psrp.WarningRecord:
		return RecordWarning
	case psrp.ProgressRecord:
		return RecordProgress
	default:
		return RecordInformation
	}
}

// stateFor maps MS-PSRP's pipeline state enum onto our State.
func stateFor(n int32) State {
	switch n {
	case 1:
		return StateNotStarted
	case 2:
		return StateRunning
	case 3:
		return StateStopping
	case 4:
		return StateStopped
	case 5:
		return StateCompleted
	case 6:
		return StateFailed
	case 7:
		return StateDisconnected
	default:
		return StateFailed
	}
}
