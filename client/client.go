// Package client provides a high-level API for PowerShell Remoting over WSMan.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/hostcall"
	"github.com/oakhollow/psrp/pipeline"
	"github.com/oakhollow/psrp/psrp"
	"github.com/oakhollow/psrp/runspace"
	"github.com/oakhollow/psrp/wsman"
	"github.com/oakhollow/psrp/wsman/auth"
	"github.com/oakhollow/psrp/wsman/transport"
)

// AuthType specifies the authentication mechanism.
type AuthType int

const (
	// AuthNegotiate uses SPNEGO - tries Kerberos first, falls back to NTLM.
	// This is the recommended default for most Windows environments.
	AuthNegotiate AuthType = iota
	// AuthBasic uses HTTP Basic authentication.
	AuthBasic
	// AuthNTLM uses NTLM authentication (direct, not via SPNEGO).
	AuthNTLM
	// AuthKerberos uses Kerberos authentication only (no NTLM fallback).
	AuthKerberos
)

// CloseStrategy specifies how the client should be closed.
type CloseStrategy int

const (
	// CloseStrategyGraceful attempts to close the remote session cleanly.
	// It sends PSRP and WSMan close messages.
	CloseStrategyGraceful CloseStrategy = iota

	// CloseStrategyForce closes the client immediately without sending network messages.
	// Use this when the connection is known to be broken or responsiveness is required.
	CloseStrategyForce
)

// ErrNotConnected is returned by operations that require an open runspace
// pool (Execute, ExecuteAsync, ExecuteStream) when called before Connect
// or after Close.
var ErrNotConnected = errors.New("client: not connected")

// ReconnectPolicy configures automatic reconnection behavior.
type ReconnectPolicy struct {
	// Enabled activates automatic reconnection on transient failures.
	Enabled bool

	// MaxAttempts is the maximum number of reconnection attempts.
	// 0 means infinite retries.
	MaxAttempts int

	// InitialDelay is the delay before the first reconnection attempt.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between reconnection attempts.
	// Delays grow exponentially up to this cap.
	MaxDelay time.Duration

	// Jitter adds randomness to delays to prevent thundering herd.
	// Value between 0.0 (no jitter) and 1.0 (up to 100% jitter).
	Jitter float64
}

// DefaultReconnectPolicy returns a sensible default reconnection policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      false, // Opt-in
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       0.2,
	}
}

// RetryPolicy configures command retry behavior for transient failures.
type RetryPolicy struct {
	// Enabled activates command retry.
	Enabled bool

	// MaxAttempts is the maximum number of attempts including the first one.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries (exponential cap).
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter adds randomness to backoff delay to prevent thundering herd.
	Jitter float64

	// MaxDuration is the maximum total time for all retry attempts.
	// Zero means no duration limit.
	MaxDuration time.Duration
}

// DefaultRetryPolicy returns a conservative default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Config holds configuration for a PSRP client.
type Config struct {
	// Port is the WinRM port (default: 5985 for HTTP, 5986 for HTTPS).
	Port int

	// UseTLS enables HTTPS transport.
	UseTLS bool

	// InsecureSkipVerify skips TLS certificate verification.
	// WARNING: Only use for testing.
	InsecureSkipVerify bool

	// Timeout is the operation timeout.
	Timeout time.Duration

	// AuthType specifies the authentication type (Basic, NTLM, or Kerberos).
	AuthType AuthType

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// Domain for NTLM authentication.
	Domain string

	// Realm is the Kerberos realm (optional, auto-detected from config if empty).
	Realm string
	// Krb5ConfPath is the path to krb5.conf (optional, defaults to /etc/krb5.conf).
	Krb5ConfPath string
	// KeytabPath is the path to the keytab file (optional).
	KeytabPath string
	// CCachePath is the path to the credential cache (optional).
	CCachePath string

	// TargetSPN is the Kerberos Service Principal Name (e.g., "WSMAN/server.domain.com").
	// If empty, defaults to "WSMAN/<hostname>".
	TargetSPN string

	// ConfigurationName is the PowerShell configuration name (e.g., "Microsoft.Exchange").
	// If empty, defaults to "Microsoft.PowerShell".
	ConfigurationName string

	// ResourceURI is the full WSMan resource URI (overrides ConfigurationName).
	// Default: http://schemas.microsoft.com/powershell/Microsoft.PowerShell
	ResourceURI string

	// MaxRunspaces limits the number of concurrent pipeline executions.
	// Default: 1 (safe). Set to > 1 to enable concurrent execution if server supports it.
	MaxRunspaces int

	// MaxQueueSize limits the number of commands waiting for a runspace.
	// If negative, queue is unbounded. If 0, no command may wait for a slot.
	// If >= 0, Execute() returns ErrQueueFull if queue is full.
	MaxQueueSize int

	// KeepAliveInterval specifies the interval for sending PSRP keepalive messages
	// (GET_AVAILABLE_RUNSPACES) to maintain session health and prevent timeouts.
	// If 0, keepalive is disabled.
	KeepAliveInterval time.Duration

	// IdleTimeout is an ISO8601 duration string (e.g., "PT1H") that is logged
	// when the runspace pool opens. It is not sent to the server: the shell is
	// always created with an idle timeout of "PT30M" (30 minutes).
	IdleTimeout string

	// MaxEnvelopeSizeBytes overrides the MaxEnvelopeSize sent in every WSMan
	// request header. Default: 512KiB, matching the wsman package default.
	MaxEnvelopeSizeBytes int

	// OperationTimeout overrides the OperationTimeout sent in every WSMan
	// request header, as an ISO8601 duration (e.g. "PT60S"). Default: PT60S.
	OperationTimeout string

	// EnableCBT enables Channel Binding Tokens (CBT) for NTLM authentication.
	// Requires HTTPS (UseTLS: true). Only applies to NTLM authentication.
	EnableCBT bool

	// Reconnect configures automatic reconnection behavior.
	Reconnect ReconnectPolicy

	// Retry configures command-level retry behavior for transient failures.
	// If nil, retry is disabled (default).
	//
	// IMPORTANT: Retry assumes idempotent commands. Non-idempotent commands
	// with side effects may execute multiple times if retried.
	Retry *RetryPolicy

	// CircuitBreaker configures the circuit breaker to fail fast when server is down.
	CircuitBreaker *CircuitBreakerPolicy

	// ProxyURL is the HTTP/HTTPS proxy server URL (e.g., "http://proxy.corp.com:8080").
	// Special values:
	//   - Empty string (default): uses environment variables (HTTP_PROXY, HTTPS_PROXY, NO_PROXY)
	//   - "direct": bypasses proxy entirely, ignoring environment variables
	ProxyURL string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:         5985,
		UseTLS:       false,
		Timeout:      120 * time.Second,
		AuthType:     AuthNegotiate, // Kerberos preferred, NTLM fallback
		MaxRunspaces: 1,             // Default to safe serial execution
		MaxQueueSize: -1,            // Unbounded by default
		Reconnect:    DefaultReconnectPolicy(),
	}
}

// LogValue implements slog.LogValuer so that logging a Config never leaks
// Password or its Kerberos credential-cache/keytab paths in plaintext.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.Bool("use_tls", c.UseTLS),
		slog.Duration("timeout", c.Timeout),
		slog.Any("auth_type", c.AuthType),
		slog.String("username", c.Username),
		slog.String("password", redactedIfSet(c.Password)),
		slog.String("domain", c.Domain),
		slog.String("configuration_name", c.ConfigurationName),
		slog.Int("max_runspaces", c.MaxRunspaces),
	)
}

func redactedIfSet(s string) string {
	if s == "" {
		return ""
	}
	return "REDACTED"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Username == "" && !auth.SupportsSSO() {
		return errors.New("username is required")
	}

	// For Kerberos and Negotiate auth, password is optional if ccache or keytab is provided
	if c.AuthType == AuthKerberos || c.AuthType == AuthNegotiate {
		if c.CCachePath != "" || c.KeytabPath != "" {
			return nil
		}
	}

	if c.Password == "" && c.Username != "" {
		return errors.New("password is required")
	}
	return nil
}

// Client is a high-level PSRP client for executing PowerShell commands.
type Client struct {
	mu sync.Mutex

	hostname string
	config   Config
	endpoint string

	transport *transport.HTTPTransport
	wsman     *wsman.Client

	pool       *runspace.Pool
	dispatcher *hostcall.Dispatcher
	poolID     uuid.UUID
	connected  bool
	closed     bool
	auditID    *callIDManager

	// Concurrency control
	semaphore *poolSemaphore // Limits concurrent pipeline execution
	cmdMu     sync.Mutex     // Serializes pipeline creation (NTLM auth requires this)

	// Logging
	slogLogger *slog.Logger

	// Keepalive management
	keepAliveDone chan struct{}
	keepAliveWg   sync.WaitGroup

	// Automatic reconnection
	reconnectMgr *reconnectManager

	// Circuit Breaker (Fail Fast)
	circuitBreaker *CircuitBreaker

	// Security logging (NIST SP 800-92)
	securityLogger *SecurityLogger
}

// New creates a new PSRP client.
func New(hostname string, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var endpoint string
	if strings.HasPrefix(hostname, "http://") || strings.HasPrefix(hostname, "https://") {
		endpoint = hostname
	} else {
		scheme := "http"
		if cfg.UseTLS {
			scheme = "https"
		}
		endpoint = fmt.Sprintf("%s://%s:%d/wsman", scheme, hostname, cfg.Port)
	}

	tr := transport.NewHTTPTransport(
		transport.WithTimeout(cfg.Timeout),
		transport.WithInsecureSkipVerify(cfg.InsecureSkipVerify),
		transport.WithProxy(cfg.ProxyURL),
	)

	creds := auth.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
		Domain:   cfg.Domain,
	}

	authenticator, err := buildAuthenticator(hostname, cfg, creds)
	if err != nil {
		return nil, err
	}
	tr.Client().Transport = authenticator.Transport(tr.Client().Transport)

	wc := wsman.NewClient(endpoint, tr)

	c := &Client{
		hostname:       hostname,
		config:         cfg,
		endpoint:       endpoint,
		transport:      tr,
		wsman:          wc,
		dispatcher:     hostcall.NewDispatcher(nil),
		semaphore:      newPoolSemaphore(effectiveMaxRunspaces(cfg), cfg.MaxQueueSize, cfg.Timeout),
		auditID:        newCallIDManager(),
		circuitBreaker: NewCircuitBreaker(cfg.CircuitBreaker),
	}

	wc.SetResourceURI(c.buildResourceURI())
	if cfg.MaxEnvelopeSizeBytes > 0 {
		wc.SetMaxEnvelopeSize(cfg.MaxEnvelopeSizeBytes)
	}
	if cfg.OperationTimeout != "" {
		wc.SetOperationTimeout(cfg.OperationTimeout)
	}

	return c, nil
}

// buildAuthenticator constructs the auth.Authenticator for cfg.AuthType,
// matching the Kerberos-with-NTLM-fallback behavior of AuthNegotiate.
func buildAuthenticator(hostname string, cfg Config, creds auth.Credentials) (auth.Authenticator, error) {
	targetSPN := cfg.TargetSPN
	if targetSPN == "" {
		targetSPN = fmt.Sprintf("WSMAN/%s", hostname)
	}
	krbCfg := auth.KerberosProviderConfig{
		TargetSPN:    targetSPN,
		Realm:        cfg.Realm,
		Krb5ConfPath: cfg.Krb5ConfPath,
		KeytabPath:   cfg.KeytabPath,
		CCachePath:   cfg.CCachePath,
		Credentials:  &creds,
		UseSSO:       auth.SupportsSSO() && cfg.Username == "",
	}

	switch cfg.AuthType {
	case AuthNegotiate:
		provider, err := auth.NewKerberosProvider(krbCfg)
		if err != nil {
			// Kerberos unavailable: fall back to NTLM.
			return auth.NewNTLMAuth(creds, auth.WithCBT(cfg.EnableCBT)), nil
		}
		return auth.NewNegotiateAuth(provider), nil
	case AuthNTLM:
		return auth.NewNTLMAuth(creds, auth.WithCBT(cfg.EnableCBT)), nil
	case AuthKerberos:
		provider, err := auth.NewKerberosProvider(krbCfg)
		if err != nil {
			return nil, fmt.Errorf("create kerberos provider: %w", err)
		}
		return auth.NewNegotiateAuth(provider), nil
	case AuthBasic:
		return auth.NewBasicAuth(creds), nil
	default:
		return auth.NewNTLMAuth(creds, auth.WithCBT(cfg.EnableCBT)), nil
	}
}

func effectiveMaxRunspaces(cfg Config) int {
	if cfg.MaxRunspaces > 0 {
		return cfg.MaxRunspaces
	}
	return 1
}

// CreateWorker creates a new independent client for parallel operations.
// This ensures each worker runs in its own RunspacePool with its own
// authentication context, avoiding shared-shell and auth-loop races.
func (c *Client) CreateWorker() (*Client, error) {
	return New(c.hostname, c.config)
}

// Endpoint returns the WSMan endpoint URL the client connects to.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// CloseIdleConnections closes any idle HTTP connections, forcing a fresh
// handshake (including NTLM re-authentication) on the next request.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr != nil {
		tr.CloseIdleConnections()
	}
}

// HostCallDispatcher returns the dispatcher used to answer PowerShell host
// calls (Write-Host, Read-Host, prompts, etc.) for this client's pipelines.
// Register handlers on it before calling Execute/ExecuteStream.
func (c *Client) HostCallDispatcher() *hostcall.Dispatcher {
	return c.dispatcher
}

// SetSlogLogger sets the structured logger for the client and underlying components.
func (c *Client) SetSlogLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slogLogger = logger.With("component", "client")
}

// logf logs a debug message if a logger is configured.
func (c *Client) logf(format string, v ...interface{}) {
	c.mu.Lock()
	logger := c.slogLogger
	c.mu.Unlock()
	if logger != nil {
		logger.Debug(fmt.Sprintf(format, v...))
	}
}

// ensureLogger initializes the logger from environment variables if not already set.
func (c *Client) ensureLogger() {
	if c.slogLogger != nil {
		return
	}

	var level slog.Level
	envLevel := os.Getenv("PSRP_LOG_LEVEL")
	envDebug := os.Getenv("PSRP_DEBUG")

	if envLevel != "" {
		switch strings.ToLower(envLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			if envDebug != "" {
				level = slog.LevelDebug
			} else {
				return
			}
		}
	} else if envDebug != "" {
		level = slog.LevelDebug
	} else {
		return
	}

	defaultLogger := slog.Default()
	if defaultLogger.Enabled(context.Background(), level) {
		c.slogLogger = defaultLogger
	} else {
		c.slogLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	}
}

// logfLocked logs a debug message assuming the client lock is already held.
func (c *Client) logfLocked(format string, v ...interface{}) {
	if c.slogLogger != nil {
		c.slogLogger.Debug(fmt.Sprintf(format, v...))
	}
}

// logInfo logs an informational message (normal operations).
func (c *Client) logInfo(format string, v ...interface{}) {
	c.mu.Lock()
	logger := c.slogLogger
	c.mu.Unlock()
	if logger != nil {
		logger.Info(fmt.Sprintf(format, v...))
	}
}

// logInfoLocked logs an informational message assuming the lock is already held.
func (c *Client) logInfoLocked(format string, v ...interface{}) {
	if c.slogLogger != nil {
		c.slogLogger.Info(fmt.Sprintf(format, v...))
	}
}

// logWarn logs a warning message (potential issues, recoverable).
func (c *Client) logWarn(format string, v ...interface{}) {
	c.mu.Lock()
	logger := c.slogLogger
	c.mu.Unlock()
	if logger != nil {
		logger.Warn(fmt.Sprintf(format, v...))
	}
}

// logError logs an error message (failures that affect function).
func (c *Client) logError(format string, v ...interface{}) {
	c.mu.Lock()
	logger := c.slogLogger
	c.mu.Unlock()
	if logger != nil {
		logger.Error(fmt.Sprintf(format, v...))
	}
}

// isPoolBrokenError checks if an error indicates the pool is broken.
func (c *Client) isPoolBrokenError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	brokenPatterns := []string{
		"runspace pool broken",
		"runspace pool is broken",
		"pool broken",
		"connection was aborted",
		"wsarecv:",
		"wsasend:",
	}
	for _, pattern := range brokenPatterns {
		if containsIgnoreCase(errStr, pattern) {
			return true
		}
	}
	return false
}

// waitForRecovery waits for the connection to recover after a pool broken error.
// It polls Health() waiting for it to return to Healthy. Returns true if
// recovery succeeded, false on timeout.
func (c *Client) waitForRecovery(ctx context.Context, timeout time.Duration) bool {
	c.logInfo("Waiting for connection recovery (timeout: %v)...", timeout)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			health := c.Health()
			c.logf("Recovery check: Health=%s", health)

			if health == HealthHealthy {
				c.logInfo("Connection recovered! Health=%s", health)
				return true
			}
			if time.Now().After(deadline) {
				c.logWarn("Recovery timeout: Health=%s", health)
				return false
			}
		}
	}
}

// sanitizeScriptForLogging truncates and sanitizes scripts for safe logging.
func sanitizeScriptForLogging(script string) string {
	const maxLen = 100

	if containsSensitivePattern(script) {
		return "[script contains sensitive data - not logged]"
	}
	if len(script) <= maxLen {
		return script
	}
	return script[:maxLen] + "... [truncated]"
}

// containsSensitivePattern checks if a string contains common patterns
// that might indicate sensitive data like passwords or credentials.
func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	sensitivePatterns := []string{
		"password",
		"credential",
		"secret",
		"apikey",
		"api_key",
		"access_token",
		"accesstoken",
		"-password",
		"-credential",
		"convertto-securestring",
		"pscredential",
		"get-credential",
	}
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Connect opens a runspace pool on the remote server.
func (c *Client) Connect(ctx context.Context) error {
	if c.circuitBreaker == nil {
		return c.connectInternal(ctx)
	}
	return c.circuitBreaker.Execute(func() error {
		return c.connectInternal(ctx)
	})
}

// connectInternal performs the actual connection logic.
func (c *Client) connectInternal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("client is closed")
	}
	if c.connected {
		return nil
	}

	if c.poolID == uuid.Nil {
		c.poolID = uuid.New()
	}

	c.ensureLogger()
	c.logInfoLocked("Opening runspace pool %s", c.poolID)

	c.securityLogger = NewSecurityLogger(c.slogLogger, c.config.Username, c.hostname)
	c.securityLogger.LogConnection(SubtypeConnEstablished, OutcomeSuccess, SeverityInfo, map[string]any{
		"pool_id": c.poolID.String(),
	})

	if c.config.IdleTimeout != "" {
		// The idle timeout only affects shell creation, which Pool.Open drives
		// indirectly through wsman.Client.Create; wsman has no per-call idle
		// timeout knob today, so this is recorded for visibility only.
		c.logInfoLocked("IdleTimeout configured: %s", c.config.IdleTimeout)
	}

	maxRunspaces := effectiveMaxRunspaces(c.config)
	c.pool = runspace.New(c.wsman, c.poolID,
		runspace.WithRunspaceLimits(1, maxRunspaces),
		runspace.WithLogger(c.slogLogger),
	)

	if err := c.pool.Open(ctx); err != nil {
		c.securityLogger.LogConnection(SubtypeConnFailed, OutcomeFailure, SeverityError, map[string]any{
			"error": err.Error(),
		})
		return fmt.Errorf("open runspace pool: %w", err)
	}

	c.securityLogger.LogSession(SubtypeSessionOpened, OutcomeSuccess, SeverityInfo, map[string]any{
		"pool_id":       c.poolID.String(),
		"max_runspaces": maxRunspaces,
	})

	c.connected = true

	if c.semaphore == nil {
		c.semaphore = newPoolSemaphore(maxRunspaces, c.config.MaxQueueSize, c.config.Timeout)
	}

	if c.config.KeepAliveInterval > 0 {
		c.logInfoLocked("Starting keepalive loop (interval: %v)", c.config.KeepAliveInterval)
		c.startKeepaliveLocked()
	}

	if c.config.Reconnect.Enabled {
		c.reconnectMgr = newReconnectManager(c, c.config.Reconnect)
		c.reconnectMgr.start()
		c.logInfoLocked("Automatic reconnection enabled (MaxAttempts: %d)", c.config.Reconnect.MaxAttempts)
	}

	return nil
}

// Disconnect disconnects from the remote session without closing it. The
// session remains running on the server and can be reconnected to later via
// Reconnect.
func (c *Client) Disconnect(ctx context.Context) error {
	c.logInfo("Disconnect called")
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		return fmt.Errorf("disconnect: not connected")
	}
	if err := c.pool.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.connected = false
	return nil
}

// Reconnect resumes a previously disconnected runspace pool. shellID is
// accepted for API symmetry with ListDisconnectedSessions and, if non-empty,
// is checked against the pool's own ShellID; reconnecting a pool that was
// never opened by this client (e.g. after a process restart) is not
// supported, since runspace.Pool has no attach-by-id constructor.
func (c *Client) Reconnect(ctx context.Context, shellID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		return fmt.Errorf("reconnect: no runspace pool to reconnect (call Connect first)")
	}
	if shellID != "" && !strings.EqualFold(shellID, c.pool.ShellID()) {
		return fmt.Errorf("reconnect: shell id %q does not match this client's pool (%q)", shellID, c.pool.ShellID())
	}
	if err := c.pool.Reconnect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	c.connected = true
	return nil
}

// Close closes the connection to the remote server using the Graceful strategy.
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithStrategy(ctx, CloseStrategyGraceful)
}

// CloseWithStrategy closes the client, optionally skipping the network
// round-trip that tells the server to tear down the shell.
func (c *Client) CloseWithStrategy(ctx context.Context, strategy CloseStrategy) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pool := c.pool
	c.mu.Unlock()

	c.stopKeepaliveAndWait()
	if c.reconnectMgr != nil {
		c.reconnectMgr.stop()
	}

	if strategy == CloseStrategyForce {
		c.connected = false
		return nil
	}

	var err error
	if pool != nil {
		err = pool.Close(ctx)
	}
	c.connected = false

	if c.securityLogger != nil {
		outcome := OutcomeSuccess
		if err != nil {
			outcome = OutcomeFailure
		}
		c.securityLogger.LogSession(SubtypeSessionClosed, outcome, SeverityInfo, nil)
		c.securityLogger.LogConnection(SubtypeConnClosed, outcome, SeverityInfo, nil)
	}

	if err != nil {
		return fmt.Errorf("close runspace pool: %w", err)
	}
	return nil
}

// IsConnected reports whether the client currently believes it has an open
// runspace pool.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// State returns the runspace pool's lifecycle state.
func (c *Client) State() runspace.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return runspace.StateBeforeOpen
	}
	return c.pool.State()
}

// ShellID returns the WSMan ShellId of the remote shell backing this
// client's runspace pool, or "" if not yet connected.
func (c *Client) ShellID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return ""
	}
	return c.pool.ShellID()
}

// PoolID returns the PSRP RunspacePool ID.
func (c *Client) PoolID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poolID.String()
}

// SetPoolID sets the PSRP RunspacePool ID. Must be called before Connect.
func (c *Client) SetPoolID(poolID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := uuid.Parse(poolID)
	if err != nil {
		return err
	}
	c.poolID = id
	return nil
}

// SetSessionID sets the WSMan SessionID correlation value (useful for
// testing session persistence and for log correlation).
func (c *Client) SetSessionID(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsman != nil {
		c.wsman.SetSessionID(sessionID)
	}
}

// HealthStatus represents the high-level health of the client connection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "Healthy"
	HealthUnhealthy HealthStatus = "Unhealthy" // Closing, Closed, or Broken
	HealthUnknown   HealthStatus = "Unknown"   // Initializing or unknown state
)

// Health returns the current high-level health status of the client.
func (c *Client) Health() HealthStatus {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()

	if pool == nil {
		return HealthUnknown
	}

	switch pool.State() {
	case runspace.StateOpened:
		return HealthHealthy
	case runspace.StateBeforeOpen, runspace.StateOpening, runspace.StateNegotiationSent, runspace.StateNegotiationSucceeded:
		return HealthUnknown
	default: // Closing, Closed, Broken
		return HealthUnhealthy
	}
}

// startKeepaliveLocked starts the keepalive goroutine (caller must hold c.mu).
func (c *Client) startKeepaliveLocked() {
	if c.keepAliveDone != nil {
		return // Already running
	}
	c.keepAliveDone = make(chan struct{})
	c.keepAliveWg.Add(1)
	go c.keepaliveLoop(c.config.KeepAliveInterval)
}

// stopKeepalive stops the keepalive goroutine.
func (c *Client) stopKeepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keepAliveDone != nil {
		close(c.keepAliveDone)
		c.keepAliveDone = nil
	}
}

// stopKeepaliveAndWait stops the keepalive goroutine and waits for it to exit.
func (c *Client) stopKeepaliveAndWait() {
	c.stopKeepalive()
	c.keepAliveWg.Wait()
}

// keepaliveLoop sends periodic GET_AVAILABLE_RUNSPACES messages.
func (c *Client) keepaliveLoop(interval time.Duration) {
	defer c.keepAliveWg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		doneCh := c.keepAliveDone
		pool := c.pool
		c.mu.Unlock()

		if doneCh == nil {
			return
		}

		select {
		case <-doneCh:
			return
		case <-ticker.C:
			if pool == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			c.logf("Sending keepalive (GET_AVAILABLE_RUNSPACES)")
			if err := pool.SendPoolMessage(ctx, psrp.GetAvailableRunspaces, nil); err != nil {
				c.logWarn("Keepalive failed: %v", err)
			}
			cancel()
		}
	}
}

// Result represents the result of a PowerShell command execution. All
// PowerShell output streams are exposed as decoded CLIXML values.
type Result struct {
	// Output contains the pipeline's output stream, in order.
	Output []clixml.Value

	// Errors contains non-terminating ErrorRecords received on the error stream.
	Errors []*clixml.Complex

	// Warnings contains Write-Warning records.
	Warnings []clixml.Value

	// Verbose contains Write-Verbose records.
	Verbose []clixml.Value

	// Debug contains Write-Debug records.
	Debug []clixml.Value

	// Progress contains Write-Progress records.
	Progress []clixml.Value

	// Information contains Write-Information records.
	Information []clixml.Value

	// HadErrors is true if any error records were received or the pipeline failed.
	HadErrors bool
}

// Execute runs a PowerShell script on the remote server and waits for it to
// complete, collecting every stream into a Result.
func (c *Client) Execute(ctx context.Context, script string) (*Result, error) {
	c.logInfo("Execute called: '%s'", sanitizeScriptForLogging(script))

	if c.securityLogger != nil {
		c.securityLogger.LogCommand(SubtypeCmdExecute, OutcomeSuccess, SeverityInfo, sanitizeScriptForLogging(script), nil)
	}

	result, err := c.executeWithReconnectHandling(ctx, script)

	if c.securityLogger != nil {
		if err != nil {
			c.securityLogger.LogCommand(SubtypeCmdFailed, OutcomeFailure, SeverityWarning, sanitizeScriptForLogging(script), map[string]any{
				"error": err.Error(),
			})
		} else {
			c.securityLogger.LogCommand(SubtypeCmdComplete, OutcomeSuccess, SeverityInfo, sanitizeScriptForLogging(script), map[string]any{
				"had_errors": result.HadErrors,
			})
		}
	}
	return result, err
}

// executeWithReconnectHandling retries executeOnce on retryable errors as
// Config.Retry allows, and once more after a successful automatic
// reconnection if the pool appears broken.
func (c *Client) executeWithReconnectHandling(ctx context.Context, script string) (*Result, error) {
	result, err := c.executeOnce(ctx, script)
	if p := c.config.Retry; p != nil && p.Enabled {
		start := time.Now()
		for attempt := 1; err != nil && isRetryableError(err) && attempt < p.MaxAttempts; attempt++ {
			if p.MaxDuration > 0 && time.Since(start) >= p.MaxDuration {
				break
			}
			select {
			case <-ctx.Done():
				return result, err
			case <-time.After(calculateRetryBackoff(attempt, p)):
			}
			result, err = c.executeOnce(ctx, script)
		}
	}
	if err == nil || !c.isPoolBrokenError(err) {
		return result, err
	}
	if !c.config.Reconnect.Enabled {
		return result, err
	}

	c.logWarn("Execute: pool appears broken (%v), waiting for automatic recovery", err)
	if !c.waitForRecovery(ctx, c.config.Timeout) {
		return result, err
	}
	return c.executeOnce(ctx, script)
}

// executeOnce runs script exactly once and collects its output streams.
func (c *Client) executeOnce(ctx context.Context, script string) (*Result, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	pool := c.pool
	dispatcher := c.dispatcher
	semaphore := c.semaphore
	c.mu.Unlock()

	if err := semaphore.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquire runspace slot: %w", err)
	}
	defer semaphore.Release()

	// Serialize pipeline creation: some NTLM configurations misbehave under
	// concurrent shell-level requests on the same authenticated connection.
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	logger := c.slogLogger
	pl := pipeline.New(pool, logger)
	if err := pl.Invoke(ctx, script, true, nil, true); err != nil {
		return nil, fmt.Errorf("invoke pipeline: %w", err)
	}

	result := &Result{}
	var finishErr error

	for ev := range pl.Events() {
		switch ev.Kind {
		case pipeline.EventOutput:
			result.Output = append(result.Output, ev.Output)
		case pipeline.EventError:
			result.Errors = append(result.Errors, ev.Error)
			result.HadErrors = true
		case pipeline.EventRecord:
			switch ev.Record.Kind {
			case pipeline.RecordWarning:
				result.Warnings = append(result.Warnings, ev.Record.Value)
			case pipeline.RecordVerbose:
				result.Verbose = append(result.Verbose, ev.Record.Value)
			case pipeline.RecordDebug:
				result.Debug = append(result.Debug, ev.Record.Value)
			case pipeline.RecordProgress:
				result.Progress = append(result.Progress, ev.Record.Value)
			case pipeline.RecordInformation:
				result.Information = append(result.Information, ev.Record.Value)
			}
		case pipeline.EventHostCall:
			dispatcher.Handle(ctx, pl.ID(), ev.HostCall)
		case pipeline.EventFinished:
			if ev.FinishedErr != nil {
				finishErr = ev.FinishedErr
				result.HadErrors = true
			}
		}
	}

	return result, finishErr
}

// ExecuteAsync starts script without waiting for completion, returning the
// pipeline id so the caller can correlate later activity. The pipeline's
// host calls are still answered via the client's dispatcher, but its output
// streams are discarded; use ExecuteStream for streaming output.
func (c *Client) ExecuteAsync(ctx context.Context, script string) (string, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	pool := c.pool
	dispatcher := c.dispatcher
	c.mu.Unlock()

	pl := pipeline.New(pool, c.slogLogger)
	if err := pl.Invoke(ctx, script, true, nil, true); err != nil {
		return "", fmt.Errorf("invoke pipeline: %w", err)
	}

	go func() {
		for ev := range pl.Events() {
			if ev.Kind == pipeline.EventHostCall {
				dispatcher.Handle(context.Background(), pl.ID(), ev.HostCall)
			}
		}
	}()

	return pl.ID().String(), nil
}

// DisconnectedSession describes a shell on the server that this client is
// not currently attached to. The wsman Enumerate verb only reports bare
// ShellIds, so that is all that's populated here.
type DisconnectedSession struct {
	ShellID string
}

// ListDisconnectedSessions queries the server for shells, excluding this
// client's own (if connected).
func (c *Client) ListDisconnectedSessions(ctx context.Context) ([]DisconnectedSession, error) {
	c.mu.Lock()
	wClient := c.wsman
	ownShellID := ""
	if c.pool != nil {
		ownShellID = c.pool.ShellID()
	}
	c.mu.Unlock()

	if wClient == nil {
		return nil, fmt.Errorf("list sessions: wsman client not initialized")
	}

	shellIDs, err := wClient.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate shells: %w", err)
	}

	sessions := make([]DisconnectedSession, 0, len(shellIDs))
	for _, id := range shellIDs {
		if ownShellID != "" && strings.EqualFold(id, ownShellID) {
			continue
		}
		sessions = append(sessions, DisconnectedSession{ShellID: id})
	}
	return sessions, nil
}

// RemoveDisconnectedSession deletes a disconnected session on the server.
func (c *Client) RemoveDisconnectedSession(ctx context.Context, session DisconnectedSession) error {
	c.mu.Lock()
	wClient := c.wsman
	resourceURI := c.buildResourceURI()
	c.mu.Unlock()

	if wClient == nil {
		return fmt.Errorf("remove session: wsman client not initialized")
	}

	epr := &wsman.EndpointReference{
		ResourceURI: resourceURI,
		Selectors: []wsman.Selector{
			{Name: "ShellId", Value: session.ShellID},
		},
	}

	// Best-effort terminate signal first, so a connected-but-abandoned
	// session tears down even if Delete alone wouldn't reach it.
	_ = wClient.Signal(ctx, epr, "", "http://schemas.microsoft.com/wbem/wsman/1/windows/shell/signal/terminate")

	if err := wClient.Delete(ctx, epr); err != nil {
		if strings.Contains(err.Error(), "shell was not found") {
			return nil
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
