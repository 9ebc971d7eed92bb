package runspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/psrp"
	"github.com/oakhollow/psrp/wsman"
)

const (
	defaultMaxRunspaces = 1
	defaultMinRunspaces = 1
	defaultFragmentSize = 32 * 1024
	defaultMaxMessage   = 4 * 1024 * 1024
)

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithRunspaceLimits sets the MinRunspaces/MaxRunspaces advertised in
// INIT_RUNSPACEPOOL.
func WithRunspaceLimits(min, max int) Option {
	return func(p *Pool) { p.minRunspaces, p.maxRunspaces = min, max }
}

// WithHostInfo overrides the default host-null HostInfo snapshot.
func WithHostInfo(h HostInfo) Option {
	return func(p *Pool) { p.host = h }
}

// WithApplicationArguments sets the $PSSenderInfo.ApplicationArguments
// dictionary sent in INIT_RUNSPACEPOOL.
func WithApplicationArguments(args map[string]clixml.Value) Option {
	return func(p *Pool) { p.appArgs = args }
}

// WithLogger overrides the pool's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMaxMessageSize bounds the reassembled size of any single PSRP
// message, guarding against a misbehaving or hostile peer.
func WithMaxMessageSize(n int) Option {
	return func(p *Pool) { p.maxMessageSize = n }
}

// pipelineSink receives raw dispatched messages for one pipeline. The
// pipeline package decodes message bodies into typed events; runspace only
// needs to route bytes to the right place and remember the WS-Management
// CommandId the pipeline was created under.
type pipelineSink struct {
	ch        chan psrp.Message
	commandID string
}

// Pool is a PSRP runspace pool: a single WS-Management shell driving a
// cooperative receive loop and zero or more pipelines.
type Pool struct {
	id        uuid.UUID
	transport Transport
	logger    *slog.Logger

	minRunspaces, maxRunspaces int
	host                       HostInfo
	appArgs                    map[string]clixml.Value
	maxMessageSize             int

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	lastErr   error
	epr       *wsman.EndpointReference
	pipelines map[uuid.UUID]*pipelineSink

	wg      sync.WaitGroup
	closeCh chan struct{}
	closed  bool
}

// New creates a Pool bound to id, ready to Open against transport.
func New(transport Transport, id uuid.UUID, opts ...Option) *Pool {
	p := &Pool{
		id:             id,
		transport:      transport,
		logger:         slog.Default(),
		minRunspaces:   defaultMinRunspaces,
		maxRunspaces:   defaultMaxRunspaces,
		host:           DefaultHostInfo(),
		maxMessageSize: defaultMaxMessage,
		state:          StateBeforeOpen,
		pipelines:      make(map[uuid.UUID]*pipelineSink),
		closeCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// ID returns the pool's runspace id.
func (p *Pool) ID() uuid.UUID { return p.id }

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ShellID returns the WS-Management ShellId selector of the remote shell
// backing this pool, or "" before Open has created one.
func (p *Pool) ShellID() string {
	p.mu.Lock()
	epr := p.epr
	p.mu.Unlock()
	if epr == nil {
		return ""
	}
	for _, s := range epr.Selectors {
		if s.Name == "ShellId" {
			return s.Value
		}
	}
	return ""
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) fail(err error) {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.state = StateBroken
	p.lastErr = err
	p.cond.Broadcast()
	p.mu.Unlock()
	p.logger.Error("runspace pool broken", "pool_id", p.id, "error", err)
}

// Open creates the remote shell, sends SESSION_CAPABILITY and
// INIT_RUNSPACEPOOL, and blocks until the pool reaches StateOpened, the
// server reports StateBroken, or ctx is cancelled.
func (p *Pool) Open(ctx context.Context) error {
	if s := p.State(); s != StateBeforeOpen {
		return &InvalidStateError{Op: "Open", State: s}
	}
	p.setState(StateOpening)

	capBody, err := buildSessionCapability()
	if err != nil {
		p.fail(err)
		return err
	}
	initBody, err := buildInitRunspacePool(p.minRunspaces, p.maxRunspaces, p.host, p.appArgs)
	if err != nil {
		p.fail(err)
		return err
	}

	frag := psrp.NewFragmenter(defaultFragmentSize)
	var blob []byte
	for _, f := range frag.Fragment(mustEncode(wrapMessage(psrp.SessionCapability, p.id, uuid.Nil, capBody))) {
		blob = append(blob, psrp.EncodeFragment(f)...)
	}
	for _, f := range frag.Fragment(mustEncode(wrapMessage(psrp.InitRunspacePool, p.id, uuid.Nil, initBody))) {
		blob = append(blob, psrp.EncodeFragment(f)...)
	}
	creationXML := base64.StdEncoding.EncodeToString(blob)

	epr, err := p.transport.Create(ctx, map[string]string{
		"protocolversion": protocolVersion,
	}, creationXML)
	if err != nil {
		p.fail(err)
		return fmt.Errorf("runspace: create shell: %w", err)
	}
	p.mu.Lock()
	p.epr = epr
	p.mu.Unlock()
	p.setState(StateNegotiationSent)

	p.wg.Add(1)
	go p.receiveLoop(ctx)

	return p.waitFor(ctx, StateOpened)
}

// waitFor blocks until the pool's state is target, a terminal state is
// reached, or ctx is done.
func (p *Pool) waitFor(ctx context.Context, target State) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state != target && !p.state.Terminal() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if p.state == target {
		return nil
	}
	if p.lastErr != nil {
		return p.lastErr
	}
	return &InvalidStateError{Op: "Open", State: p.state}
}

// receiveLoop is the pool's single cooperative receive loop: it long-polls
// Receive, defragments, decodes, and dispatches every message the server
// sends for this pool and its pipelines.
func (p *Pool) receiveLoop(ctx context.Context) {
	defer p.wg.Done()
	defrag := psrp.NewDefragmenter(p.maxMessageSize)

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		p.mu.Lock()
		epr := p.epr
		p.mu.Unlock()

		res, err := p.transport.Receive(ctx, epr, "")
		if err != nil {
			select {
			case <-p.closeCh:
				return
			default:
			}
			p.fail(fmt.Errorf("receive: %w", err))
			return
		}
		if len(res.Stdout) == 0 {
			continue
		}

		frags, err := psrp.DecodeFragments(res.Stdout)
		if err != nil {
			p.fail(fmt.Errorf("receive: %w", err))
			return
		}
		for _, f := range frags {
			msgBytes, complete, err := defrag.Feed(f)
			if err != nil {
				p.fail(fmt.Errorf("receive: %w", err))
				return
			}
			if !complete {
				continue
			}
			msg, err := psrp.Decode(msgBytes)
			if err != nil {
				p.logger.Warn("dropping undecodable message", "pool_id", p.id, "error", err)
				continue
			}
			p.dispatch(msg)
		}
	}
}

func (p *Pool) dispatch(msg psrp.Message) {
	if msg.IsPoolScoped() {
		p.dispatchPoolMessage(msg)
		return
	}

	p.mu.Lock()
	sink := p.pipelines[msg.PipelineID]
	p.mu.Unlock()
	if sink == nil {
		p.logger.Warn("message for unknown pipeline", "pipeline_id", msg.PipelineID, "type", msg.Type)
		return
	}
	select {
	case sink.ch <- msg:
	default:
		p.logger.Warn("pipeline channel full, dropping message", "pipeline_id", msg.PipelineID, "type", msg.Type)
	}
}

func (p *Pool) dispatchPoolMessage(msg psrp.Message) {
	switch msg.Type {
	case psrp.RunspacePoolState:
		n, err := parseRunspacePoolState(msg.Body)
		if err != nil {
			p.logger.Warn("malformed RUNSPACEPOOL_STATE", "error", err)
			return
		}
		p.applyServerState(n)
	case psrp.PublicKeyRequest:
		p.logger.Debug("server requested public key; session-key exchange not yet negotiated for this pool")
	default:
		p.logger.Debug("unhandled pool message", "type", msg.Type)
	}
}

// applyServerState maps MS-PSRP's RunspacePoolState enum onto our State.
// 1=Opening 2=Opened 3=Closed 4=Closing 5=Broken 6=NegotiationSent
// 7=NegotiationSucceeded 8=Connecting 9=Disconnected.
func (p *Pool) applyServerState(n int32) {
	switch n {
	case 2:
		p.setState(StateOpened)
	case 3:
		p.setState(StateClosed)
	case 4:
		p.setState(StateClosing)
	case 5:
		p.fail(fmt.Errorf("runspace: server reported broken state"))
	case 6:
		p.setState(StateNegotiationSent)
	case 7:
		p.setState(StateNegotiationSucceeded)
	default:
		p.logger.Debug("unrecognized RunspacePoolState value", "value", n)
	}
}

// RegisterPipeline allocates a buffered inbox for pipelineID and returns it.
// Called by the pipeline package before submitting CREATE_PIPELINE, so no
// message can arrive before the sink exists.
func (p *Pool) RegisterPipeline(pipelineID uuid.UUID) <-chan psrp.Message {
	ch := make(chan psrp.Message, 64)
	p.mu.Lock()
	p.pipelines[pipelineID] = &pipelineSink{ch: ch}
	p.mu.Unlock()
	return ch
}

// UnregisterPipeline stops routing messages to pipelineID and closes its
// inbox.
func (p *Pool) UnregisterPipeline(pipelineID uuid.UUID) {
	p.mu.Lock()
	sink, ok := p.pipelines[pipelineID]
	delete(p.pipelines, pipelineID)
	p.mu.Unlock()
	if ok {
		close(sink.ch)
	}
}

// StartPipeline issues the WS-Management Command verb for pipelineID and
// sends body (a CREATE_PIPELINE message) as its first input. pipelineID
// must already be registered via RegisterPipeline.
func (p *Pool) StartPipeline(ctx context.Context, pipelineID uuid.UUID, body []byte) error {
	p.mu.Lock()
	epr := p.epr
	sink := p.pipelines[pipelineID]
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "StartPipeline", State: p.State()}
	}
	if sink == nil {
		return ErrUnknownPipeline
	}

	commandID, err := p.transport.Command(ctx, epr, "", "")
	if err != nil {
		return fmt.Errorf("runspace: command: %w", err)
	}
	p.mu.Lock()
	sink.commandID = commandID
	p.mu.Unlock()

	return p.sendFragmented(ctx, epr, commandID, wrapMessage(psrp.CreatePipeline, p.id, pipelineID, body))
}

// SendPipelineMessage fragments body as a message of type t scoped to
// pipelineID and sends it on the pipeline's existing command.
func (p *Pool) SendPipelineMessage(ctx context.Context, pipelineID uuid.UUID, t psrp.MessageType, body []byte) error {
	p.mu.Lock()
	epr := p.epr
	sink := p.pipelines[pipelineID]
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "SendPipelineMessage", State: p.State()}
	}
	if sink == nil || sink.commandID == "" {
		return ErrUnknownPipeline
	}
	return p.sendFragmented(ctx, epr, sink.commandID, wrapMessage(t, p.id, pipelineID, body))
}

// SendPoolMessage fragments body as a pool-scoped message of type t.
func (p *Pool) SendPoolMessage(ctx context.Context, t psrp.MessageType, body []byte) error {
	p.mu.Lock()
	epr := p.epr
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "SendPoolMessage", State: p.State()}
	}
	return p.sendFragmented(ctx, epr, "", wrapMessage(t, p.id, uuid.Nil, body))
}

func (p *Pool) sendFragmented(ctx context.Context, epr *wsman.EndpointReference, commandID string, msg psrp.Message) error {
	encoded, err := psrp.Encode(msg)
	if err != nil {
		return err
	}
	frag := psrp.NewFragmenter(defaultFragmentSize)
	var blob []byte
	for _, f := range frag.Fragment(encoded) {
		blob = append(blob, psrp.EncodeFragment(f)...)
	}
	return p.transport.Send(ctx, epr, commandID, "stdin", blob)
}

// Signal delivers a WS-Management signal (e.g. "powershell/signal/ctrl_c")
// to the shell, or to a pipeline within it addressed by the CommandId the
// server assigned when the pipeline was started.
func (p *Pool) Signal(ctx context.Context, pipelineID uuid.UUID, code string) error {
	p.mu.Lock()
	epr := p.epr
	sink := p.pipelines[pipelineID]
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "Signal", State: p.State()}
	}
	commandID := ""
	if pipelineID != uuid.Nil {
		if sink == nil || sink.commandID == "" {
			return ErrUnknownPipeline
		}
		commandID = sink.commandID
	}
	return p.transport.Signal(ctx, epr, commandID, code)
}

// Close tears down the shell. It is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	epr := p.epr
	p.state = StateClosing
	p.mu.Unlock()

	close(p.closeCh)
	p.wg.Wait()

	var err error
	if epr != nil {
		err = p.transport.Delete(ctx, epr)
	}
	p.setState(StateClosed)
	return err
}

// Disconnect detaches the client from the shell without destroying it
// server-side, so a later process can Reconnect.
func (p *Pool) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	epr := p.epr
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "Disconnect", State: p.State()}
	}
	if err := p.transport.Disconnect(ctx, epr); err != nil {
		return err
	}
	p.setState(StateClosing)
	close(p.closeCh)
	p.wg.Wait()
	p.closeCh = make(chan struct{})
	p.setState(StateNegotiationSucceeded)
	return nil
}

// Reconnect re-attaches to a previously Disconnect-ed shell and resumes the
// receive loop.
func (p *Pool) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	epr := p.epr
	p.mu.Unlock()
	if epr == nil {
		return &InvalidStateError{Op: "Reconnect", State: p.State()}
	}
	if err := p.transport.Reconnect(ctx, epr.Selectors[0].Value); err != nil {
		return err
	}
	p.setState(StateOpened)
	p.wg.Add(1)
	go p.receiveLoop(ctx)
	return nil
}

func mustEncode(msg psrp.Message) []byte {
	b, err := psrp.Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}
