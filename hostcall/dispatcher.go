package hostcall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/pipeline"
)

// HandlerFunc implements one host method. params are the decoded CLIXML
// arguments in wire order; the returned Value is ignored for ShapeVoid
// methods.
type HandlerFunc func(ctx context.Context, params []clixml.Value) (clixml.Value, error)

// NotImplementedError is the error for any method id the embedder hasn't
// registered. Handle answers such a call with a HOST_RESPONSE error; the
// session is not torn down.
type NotImplementedError struct {
	ID MethodID
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("hostcall: method %s not implemented", e.ID)
}

// Dispatcher routes HostCall events from one or more pipelines to
// embedder-registered handlers, serializing calls within a pipeline while
// letting distinct pipelines proceed in parallel.
type Dispatcher struct {
	logger   *slog.Logger
	handlers map[MethodID]HandlerFunc

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewDispatcher creates an empty Dispatcher. Use Register to wire up
// method handlers before calling Handle.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[MethodID]HandlerFunc),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// Register installs fn as the handler for id, replacing any prior
// registration.
func (d *Dispatcher) Register(id MethodID, fn HandlerFunc) {
	d.mu.Lock()
	d.handlers[id] = fn
	d.mu.Unlock()
}

func (d *Dispatcher) pipelineLock(pipelineID uuid.UUID) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[pipelineID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[pipelineID] = l
	}
	return l
}

// Handle runs the handler for call.MethodID and answers it via
// call.Respond. Calls sharing pipelineID run one at a time, in delivery
// order; calls for different pipelines may run concurrently. A handler
// panic is recovered and turned into a host-exception response rather than
// crashing the caller.
func (d *Dispatcher) Handle(ctx context.Context, pipelineID uuid.UUID, call *pipeline.HostCall) {
	lock := d.pipelineLock(pipelineID)
	lock.Lock()
	defer lock.Unlock()

	id := MethodID(call.MethodID)
	result, err := d.invoke(ctx, id, call.Parameters)

	switch {
	case err != nil:
		call.Respond(clixml.Nil(), errorComplex(err))
	case id.Shape() == ShapeVoid:
		call.Respond(clixml.Nil(), nil)
	default:
		call.Respond(result, nil)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, id MethodID, params []clixml.Value) (result clixml.Value, err error) {
	d.mu.Lock()
	fn, ok := d.handlers[id]
	d.mu.Unlock()
	if !ok {
		return clixml.Nil(), &NotImplementedError{ID: id}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("host call handler panicked", "method", id, "recovered", r)
			err = fmt.Errorf("hostcall: handler for %s panicked: %v", id, r)
		}
	}()
	return fn(ctx, params)
}

// errorComplex renders a Go error as a minimal CLIXML ErrorRecord-shaped
// object suitable for a HOST_RESPONSE's me field.
func errorComplex(err error) *clixml.Complex {
	msg := err.Error()
	return &clixml.Complex{
		TypeNames: clixml.TypeNames{clixml.TypeErrorRecord},
		ToString:  &msg,
		Adapted: []clixml.Property{
			{Name: "Exception", Value: clixml.Object(&clixml.Complex{
				Adapted: []clixml.Property{{Name: "Message", Value: clixml.String(msg)}},
			})},
		},
	}
}
