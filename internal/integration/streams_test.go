//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/oakhollow/psrp/client"
	"github.com/oakhollow/psrp/clixml"
)

// TestStreams exercises all six PowerShell output streams against a live
// WinRM endpoint. It requires PSRP_SERVER/PSRP_USER/PSRP_PASSWORD and is
// excluded from normal test runs by the integration build tag.
func TestStreams(t *testing.T) {
	host := os.Getenv("PSRP_SERVER")
	user := os.Getenv("PSRP_USER")
	pass := os.Getenv("PSRP_PASSWORD")
	if host == "" || user == "" || pass == "" {
		t.Skip("PSRP_SERVER, PSRP_USER and PSRP_PASSWORD must be set for live integration tests")
	}

	port := 5985
	if p := os.Getenv("PSRP_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := client.New(host, client.Config{
		Port:               port,
		UseTLS:             false,
		InsecureSkipVerify: true,
		Timeout:            30 * time.Second,
		AuthType:           client.AuthNTLM,
		Username:           user,
		Password:           pass,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(closeCtx)
	}()

	script := `
		Write-Output "output message"
		Write-Warning "warning message"
		Write-Verbose "verbose message" -Verbose
		Write-Debug "debug message" -Debug
		Write-Information "information message" -InformationAction Continue
		Write-Progress -Activity "Testing" -Status "In Progress" -PercentComplete 50
	`

	result, err := c.Execute(ctx, script)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	checkStream(t, "Output", result.Output, "output message")
	checkStream(t, "Warning", result.Warnings, "warning message")
	checkStream(t, "Verbose", result.Verbose, "verbose message")
	checkStream(t, "Debug", result.Debug, "debug message")

	foundInfo := false
	for _, item := range result.Information {
		if valueToString(item) == "information message" {
			foundInfo = true
			break
		}
		if item.IsObject() {
			if v, ok := findProperty(item.Object, "MessageData"); ok && valueToString(v) == "information message" {
				foundInfo = true
				break
			}
		}
	}
	if !foundInfo {
		t.Errorf("Expected 'information message' in Information stream, got: %v", result.Information)
	}

	foundProgress := false
	for _, item := range result.Progress {
		if !item.IsObject() {
			continue
		}
		if v, ok := findProperty(item.Object, "Activity"); ok && valueToString(v) == "Testing" {
			foundProgress = true
			break
		}
	}
	if !foundProgress {
		t.Errorf("Expected progress record with Activity='Testing', got: %v", result.Progress)
	}
}

func findProperty(c *clixml.Complex, name string) (clixml.Value, bool) {
	for _, p := range c.Adapted {
		if p.Name == name {
			return p.Value, true
		}
	}
	for _, p := range c.Extended {
		if p.Name == name {
			return p.Value, true
		}
	}
	return clixml.Value{}, false
}

func valueToString(v clixml.Value) string {
	if v.IsObject() {
		if v.Object.ToString != nil {
			return *v.Object.ToString
		}
		if msg, ok := findProperty(v.Object, "Message"); ok {
			return valueToString(msg)
		}
		return ""
	}
	return fmt.Sprint(v.Prim)
}

func checkStream(t *testing.T, name string, stream []clixml.Value, expected string) {
	for _, item := range stream {
		if valueToString(item) == expected {
			return
		}
	}
	t.Errorf("Expected %q in %s stream, got: %v", expected, name, stream)
}
