package hostcall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/pipeline"
)

func TestDispatcher_MethodNotRegistered(t *testing.T) {
	d := NewDispatcher(nil)
	result, err := d.invoke(context.Background(), ReadLine, nil)
	if err == nil {
		t.Fatal("expected NotImplementedError")
	}
	if _, ok := err.(*NotImplementedError); !ok {
		t.Fatalf("err type = %T, want *NotImplementedError", err)
	}
	if result.Kind != clixml.KindNil {
		t.Fatalf("result = %v, want Nil", result)
	}
}

func TestDispatcher_RegisteredHandlerReturnsValue(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(ReadLine, func(ctx context.Context, params []clixml.Value) (clixml.Value, error) {
		return clixml.String("typed line"), nil
	})
	result, err := d.invoke(context.Background(), ReadLine, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Prim != "typed line" {
		t.Fatalf("result = %v", result.Prim)
	}
}

func TestDispatcher_HandlerPanicRecovered(t *testing.T) {
	d := NewDispatcher(nil)
	d.Register(ReadLine, func(ctx context.Context, params []clixml.Value) (clixml.Value, error) {
		panic("boom")
	})
	_, err := d.invoke(context.Background(), ReadLine, nil)
	if err == nil {
		t.Fatal("expected panic to be converted to an error")
	}
}

func TestDispatcher_SerializesWithinPipelineParallelAcrossPipelines(t *testing.T) {
	d := NewDispatcher(nil)
	var mu sync.Mutex
	var active, maxActive int

	d.Register(GetName, func(ctx context.Context, params []clixml.Value) (clixml.Value, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return clixml.String("host"), nil
	})

	pipelineA := uuid.New()
	pipelineB := uuid.New()

	var wg sync.WaitGroup
	calls := []struct {
		pipelineID uuid.UUID
	}{
		{pipelineA}, {pipelineA}, {pipelineB}, {pipelineB},
	}
	for _, c := range calls {
		wg.Add(1)
		go func(pid uuid.UUID) {
			defer wg.Done()
			call := pipeline.NewHostCall(1, int64(GetName), nil, nil)
			d.Handle(context.Background(), pid, call)
		}(c.pipelineID)
	}
	wg.Wait()

	mu.Lock()
	got := maxActive
	mu.Unlock()
	if got < 2 {
		t.Fatalf("maxActive = %d, want at least 2 (cross-pipeline parallelism)", got)
	}
	if got > 2 {
		t.Fatalf("maxActive = %d, want at most 2 (calls within a pipeline run one at a time)", got)
	}
}

func TestMethodID_ShapeAndGroup(t *testing.T) {
	if ReadLine.Shape() != ShapeValue {
		t.Fatalf("ReadLine shape = %v, want ShapeValue", ReadLine.Shape())
	}
	if Write1.Shape() != ShapeVoid {
		t.Fatalf("Write1 shape = %v, want ShapeVoid", Write1.Shape())
	}
	if PromptForCredential1.Shape() != ShapeThrows {
		t.Fatalf("PromptForCredential1 shape = %v, want ShapeThrows", PromptForCredential1.Shape())
	}
	if ReadLine.Group() != GroupUITextIO {
		t.Fatalf("ReadLine group = %v, want GroupUITextIO", ReadLine.Group())
	}
	if PushRunspace.Group() != GroupInteractiveSession {
		t.Fatalf("PushRunspace group = %v, want GroupInteractiveSession", PushRunspace.Group())
	}
	if !ReadLine.Known() {
		t.Fatal("ReadLine should be known")
	}
	if MethodID(999).Known() {
		t.Fatal("999 should not be known")
	}
}
