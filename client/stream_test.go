package client

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/psrp"
)

func pipelineOutputMessage(poolID, pipelineID uuid.UUID, value string) psrp.Message {
	body, err := clixml.Encode(clixml.String(value))
	if err != nil {
		panic(err)
	}
	return psrp.Message{
		Destination: psrp.DestinationClient,
		Type:        psrp.PipelineOutput,
		RunspaceID:  poolID,
		PipelineID:  pipelineID,
		Body:        body,
	}
}

// TestExecuteStream_Streaming verifies that output arrives on the Output
// channel as it's produced, before the pipeline finishes.
func TestExecuteStream_Streaming(t *testing.T) {
	c, ft := newOpenedTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sr, err := c.ExecuteStream(ctx, "Write-Output 1; Write-Output 2")
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}

	poolID := c.pool.ID()
	pipelineID := sr.pl.ID()

	ft.pushMessage(pipelineOutputMessage(poolID, pipelineID, "one"))

	select {
	case v := <-sr.Output:
		if v.Prim != "one" {
			t.Fatalf("output = %v, want %q", v.Prim, "one")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first output")
	}

	ft.pushMessage(pipelineOutputMessage(poolID, pipelineID, "two"))
	ft.pushMessage(pipelineStateMessage(poolID, pipelineID))

	select {
	case v := <-sr.Output:
		if v.Prim != "two" {
			t.Fatalf("output = %v, want %q", v.Prim, "two")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second output")
	}

	if err := sr.Wait(); err != nil {
		t.Errorf("Wait() failed: %v", err)
	}

	if _, ok := <-sr.Output; ok {
		t.Error("Output channel should be closed after Wait")
	}
}

func TestExecuteStream_NotConnected(t *testing.T) {
	c := &Client{}
	if _, err := c.ExecuteStream(context.Background(), "Get-Process"); err == nil {
		t.Fatal("expected error when client is not connected")
	}
}
