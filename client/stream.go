package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/pipeline"
)

// StreamResult represents the streaming result of a PowerShell command execution.
// Use Wait() to block until completion or consume the channels directly. Host
// calls arriving while the caller is draining the channels are still answered
// via the client's dispatcher in the background.
type StreamResult struct {
	pl      *pipeline.Pipeline
	done    chan struct{}
	waitErr error
	cleanup func()

	// Output streams - consume these channels to get output as it arrives.
	// Each is closed once the pipeline finishes.
	Output      <-chan clixml.Value
	Errors      <-chan *clixml.Complex
	Warnings    <-chan clixml.Value
	Verbose     <-chan clixml.Value
	Debug       <-chan clixml.Value
	Progress    <-chan clixml.Value
	Information <-chan clixml.Value
}

// Wait blocks until the pipeline completes and returns its final error, if any.
// After Wait returns, all channels are closed and drained.
func (sr *StreamResult) Wait() error {
	<-sr.done
	sr.cleanup()
	return sr.waitErr
}

// Stop requests pipeline cancellation (Ctrl+C).
func (sr *StreamResult) Stop(ctx context.Context) error {
	return sr.pl.Stop(ctx)
}

// ExecuteStream runs a PowerShell script asynchronously and returns a
// StreamResult that demuxes the pipeline's single event stream into
// per-type channels as output is produced. The caller must either drain the
// channels or call Wait to avoid leaking the demuxing goroutine.
func (c *Client) ExecuteStream(ctx context.Context, script string) (*StreamResult, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("client is closed")
	}
	pool := c.pool
	dispatcher := c.dispatcher
	semaphore := c.semaphore
	logger := c.slogLogger
	c.mu.Unlock()

	if err := semaphore.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire runspace slot: %w", err)
	}

	c.cmdMu.Lock()
	pl := pipeline.New(pool, logger)
	err := pl.Invoke(ctx, script, true, nil, true)
	c.cmdMu.Unlock()
	if err != nil {
		semaphore.Release()
		return nil, fmt.Errorf("invoke pipeline: %w", err)
	}

	output := make(chan clixml.Value, 16)
	errs := make(chan *clixml.Complex, 16)
	warnings := make(chan clixml.Value, 16)
	verbose := make(chan clixml.Value, 16)
	debug := make(chan clixml.Value, 16)
	progress := make(chan clixml.Value, 16)
	information := make(chan clixml.Value, 16)

	sr := &StreamResult{
		pl:          pl,
		done:        make(chan struct{}),
		Output:      output,
		Errors:      errs,
		Warnings:    warnings,
		Verbose:     verbose,
		Debug:       debug,
		Progress:    progress,
		Information: information,
		cleanup:     semaphore.Release,
	}

	go func() {
		defer close(output)
		defer close(errs)
		defer close(warnings)
		defer close(verbose)
		defer close(debug)
		defer close(progress)
		defer close(information)
		defer close(sr.done)

		for ev := range pl.Events() {
			switch ev.Kind {
			case pipeline.EventOutput:
				output <- ev.Output
			case pipeline.EventError:
				errs <- ev.Error
			case pipeline.EventRecord:
				switch ev.Record.Kind {
				case pipeline.RecordWarning:
					warnings <- ev.Record.Value
				case pipeline.RecordVerbose:
					verbose <- ev.Record.Value
				case pipeline.RecordDebug:
					debug <- ev.Record.Value
				case pipeline.RecordProgress:
					progress <- ev.Record.Value
				case pipeline.RecordInformation:
					information <- ev.Record.Value
				}
			case pipeline.EventHostCall:
				dispatcher.Handle(context.Background(), pl.ID(), ev.HostCall)
			case pipeline.EventFinished:
				sr.waitErr = ev.FinishedErr
			}
		}
	}()

	return sr, nil
}
