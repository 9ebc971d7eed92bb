package client

import (
	"context"
	"testing"
)

func TestClient_CloseWithStrategy_Force(t *testing.T) {
	c, ft := newOpenedTestClient(t)

	if err := c.CloseWithStrategy(context.Background(), CloseStrategyForce); err != nil {
		t.Fatalf("CloseWithStrategy(Force) failed: %v", err)
	}
	if !c.closed {
		t.Error("client should be marked closed")
	}

	ft.mu.Lock()
	deletes := ft.deletes
	ft.mu.Unlock()
	if deletes != 0 {
		t.Error("Force close must not round-trip to the transport")
	}
}

func TestClient_CloseWithStrategy_Graceful(t *testing.T) {
	c, ft := newOpenedTestClient(t)

	if err := c.CloseWithStrategy(context.Background(), CloseStrategyGraceful); err != nil {
		t.Fatalf("CloseWithStrategy(Graceful) failed: %v", err)
	}
	if !c.closed {
		t.Error("client should be marked closed")
	}

	ft.mu.Lock()
	deletes := ft.deletes
	ft.mu.Unlock()
	if deletes == 0 {
		t.Error("Graceful close should issue a Delete against the transport")
	}
}

func TestClient_Reconnect(t *testing.T) {
	c, _ := newOpenedTestClient(t)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if c.IsConnected() {
		t.Error("client should not be connected after Disconnect")
	}

	if err := c.Reconnect(context.Background(), c.ShellID()); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	if !c.IsConnected() {
		t.Error("client should be connected after Reconnect")
	}
}

func TestClient_Reconnect_ShellIDMismatch(t *testing.T) {
	c, _ := newOpenedTestClient(t)

	if err := c.Reconnect(context.Background(), "some-other-shell"); err == nil {
		t.Fatal("expected error reconnecting with a mismatched shell id")
	}
}

func TestClient_Reconnect_NoPool(t *testing.T) {
	c := &Client{}
	if err := c.Reconnect(context.Background(), ""); err == nil {
		t.Fatal("expected error reconnecting a client that was never connected")
	}
}
