package client

import (
	"testing"
	"time"
)

func TestClient_Keepalive(t *testing.T) {
	c, ft := newOpenedTestClient(t)
	c.config.KeepAliveInterval = 20 * time.Millisecond

	c.mu.Lock()
	c.startKeepaliveLocked()
	c.mu.Unlock()

	deadline := time.After(500 * time.Millisecond)
	for {
		ft.mu.Lock()
		sent := ft.sent
		ft.mu.Unlock()
		if sent > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for keepalive send")
		case <-time.After(10 * time.Millisecond):
		}
	}

	c.stopKeepaliveAndWait()
}

func TestClient_Keepalive_StopIsIdempotent(t *testing.T) {
	c, _ := newOpenedTestClient(t)
	c.config.KeepAliveInterval = 20 * time.Millisecond

	c.mu.Lock()
	c.startKeepaliveLocked()
	c.mu.Unlock()

	c.stopKeepaliveAndWait()
	// Stopping again (e.g. from Close after an earlier Disconnect) must not panic.
	c.stopKeepaliveAndWait()
}
