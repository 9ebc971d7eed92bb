package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/hostcall"
	"github.com/oakhollow/psrp/psrp"
	"github.com/oakhollow/psrp/runspace"
	"github.com/oakhollow/psrp/wsman"
)

// fakeTransport is a minimal in-memory runspace.Transport so client tests
// can drive a real Pool/Pipeline without a network round trip.
type fakeTransport struct {
	mu           sync.Mutex
	epr          *wsman.EndpointReference
	queue        [][]byte
	sent         int
	signals      int
	deletes      int
	defrag       *psrp.Defragmenter
	startedPipes []uuid.UUID
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		epr: &wsman.EndpointReference{
			ResourceURI: "http://schemas.microsoft.com/powershell/Microsoft.PowerShell",
			Selectors:   []wsman.Selector{{Name: "ShellId", Value: "test-shell"}},
		},
		defrag: psrp.NewDefragmenter(4 * 1024 * 1024),
	}
}

// waitForStartedPipeline blocks until the transport has observed a
// CreatePipeline message (i.e. Pool.StartPipeline was called) and returns
// its pipeline id.
func (f *fakeTransport) waitForStartedPipeline(t interface{ Fatalf(string, ...any) }) uuid.UUID {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.startedPipes) > 0 {
			id := f.startedPipes[0]
			f.mu.Unlock()
			return id
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for a started pipeline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fakeTransport) pushMessage(msg psrp.Message) {
	encoded, err := psrp.Encode(msg)
	if err != nil {
		panic(err)
	}
	frag := psrp.NewFragmenter(32 * 1024)
	var blob []byte
	for _, fr := range frag.Fragment(encoded) {
		blob = append(blob, psrp.EncodeFragment(fr)...)
	}
	f.mu.Lock()
	f.queue = append(f.queue, blob)
	f.mu.Unlock()
}

func (f *fakeTransport) Create(ctx context.Context, options map[string]string, creationXML string) (*wsman.EndpointReference, error) {
	return f.epr, nil
}

func (f *fakeTransport) Command(ctx context.Context, epr *wsman.EndpointReference, commandID, arguments string) (string, error) {
	return uuid.New().String(), nil
}

func (f *fakeTransport) Send(ctx context.Context, epr *wsman.EndpointReference, commandID, stream string, data []byte) error {
	f.mu.Lock()
	f.sent++
	frags, err := psrp.DecodeFragments(data)
	if err == nil {
		for _, fr := range frags {
			blob, complete, ferr := f.defrag.Feed(fr)
			if ferr != nil || !complete {
				continue
			}
			msg, derr := psrp.Decode(blob)
			if derr == nil && msg.Type == psrp.CreatePipeline {
				f.startedPipes = append(f.startedPipes, msg.PipelineID)
			}
		}
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, epr *wsman.EndpointReference, commandID string) (*wsman.ReceiveResult, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return &wsman.ReceiveResult{}, nil
	}
	next := f.queue[0]
	f.queue = f.queue[1:]
	f.mu.Unlock()
	return &wsman.ReceiveResult{Stdout: next}, nil
}

func (f *fakeTransport) Signal(ctx context.Context, epr *wsman.EndpointReference, commandID, code string) error {
	f.mu.Lock()
	f.signals++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Delete(ctx context.Context, epr *wsman.EndpointReference) error {
	f.mu.Lock()
	f.deletes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context, epr *wsman.EndpointReference) error {
	return nil
}

func (f *fakeTransport) Reconnect(ctx context.Context, shellID string) error { return nil }

func (f *fakeTransport) Connect(ctx context.Context, shellID, connectXML string) ([]byte, error) {
	return nil, nil
}

var _ runspace.Transport = (*fakeTransport)(nil)

func runspaceOpenedMessage(poolID uuid.UUID) psrp.Message {
	body, err := clixml.Encode(clixml.Object(&clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "RunspaceState", Value: clixml.Int32(2)},
		},
	}))
	if err != nil {
		panic(err)
	}
	return psrp.Message{
		Destination: psrp.DestinationClient,
		Type:        psrp.RunspacePoolState,
		RunspaceID:  poolID,
		Body:        body,
	}
}

// pipelineStateMessage builds a PipelineState message reporting Completed (5).
func pipelineStateMessage(poolID, pipelineID uuid.UUID) psrp.Message {
	body, err := clixml.Encode(clixml.Object(&clixml.Complex{
		Adapted: []clixml.Property{
			{Name: "PipelineState", Value: clixml.Int32(5)},
		},
	}))
	if err != nil {
		panic(err)
	}
	return psrp.Message{
		Destination: psrp.DestinationClient,
		Type:        psrp.PipelineState,
		RunspaceID:  poolID,
		PipelineID:  pipelineID,
		Body:        body,
	}
}

// newOpenedTestClient returns a Client wired to a fakeTransport whose pool
// has already completed Open().
func newOpenedTestClient(t interface{ Fatalf(string, ...any) }) (*Client, *fakeTransport) {
	ft := newFakeTransport()
	poolID := uuid.New()
	ft.pushMessage(runspaceOpenedMessage(poolID))

	c := &Client{
		config:     DefaultConfig(),
		poolID:     poolID,
		semaphore:  newPoolSemaphore(1, -1, 5*time.Second),
		auditID:    newCallIDManager(),
		dispatcher: hostcall.NewDispatcher(nil),
	}
	c.pool = runspace.New(ft, poolID, runspace.WithRunspaceLimits(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.pool.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.connected = true
	return c, ft
}
