// Command psrp-client is an example PowerShell Remoting client.
//
// Password can be provided via:
//   - -pass flag (least secure, visible in process list)
//   - PSRP_PASSWORD environment variable (recommended)
//   - stdin prompt (if neither flag nor env var is set)
//
// Usage:
//
//	psrp-client -server <hostname> -user <username> -script <command>
//
// Examples:
//
//	# Using environment variable (recommended)
//	export PSRP_PASSWORD='secret'
//	psrp-client -server myserver -user admin -script "Get-Process"
//
//	# Using stdin prompt
//	psrp-client -server myserver -user admin -script "Get-Process"
//	Password: ********
//
//	# Using flag (not recommended, visible in process list)
//	psrp-client -server myserver -user admin -pass secret -script "Get-Process"
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oakhollow/psrp/client"
	"github.com/oakhollow/psrp/clixml"
	"github.com/oakhollow/psrp/wsman/auth"
	"golang.org/x/term"
)

func main() {
	server := flag.String("server", "", "WinRM server hostname")
	username := flag.String("user", "", "Username for authentication")
	password := flag.String("pass", "", "Password (use PSRP_PASSWORD env var instead)")
	script := flag.String("script", "", "PowerShell script to execute")
	useTLS := flag.Bool("tls", false, "Use HTTPS (port 5986)")
	port := flag.Int("port", 0, "WinRM port (default: 5985 for HTTP, 5986 for HTTPS)")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	timeout := flag.Duration("timeout", 120*time.Second, "Operation timeout")
	useNTLM := flag.Bool("ntlm", false, "Use NTLM authentication")
	useKerberos := flag.Bool("kerberos", false, "Use Kerberos authentication")
	realm := flag.String("realm", "", "Kerberos realm (e.g., EXAMPLE.COM)")
	krb5Conf := flag.String("krb5conf", "", "Path to krb5.conf file")
	ccache := flag.String("ccache", "", "Path to Kerberos credential cache (e.g. /tmp/krb5cc_1000)")
	spn := flag.String("spn", "", "Service Principal Name for Kerberos (e.g., HTTP/server.domain.com)")
	var configName string
	flag.StringVar(&configName, "configname", "", "PowerShell configuration name (e.g. Microsoft.Exchange)")

	subscribe := flag.String("subscribe", "", "WQL query to subscribe to (e.g. 'SELECT * FROM Win32_ProcessStartTrace')")

	doDisconnect := flag.Bool("disconnect", false, "Disconnect from shell after execution (instead of closing)")
	reconnectShellID := flag.String("reconnect", "", "Reconnect to existing ShellID")
	sessionID := flag.String("sessionid", "", "Explicit SessionID (uuid:...) for testing persistence")
	poolID := flag.String("poolid", "", "Explicit PoolID (a UUID) for reconnection")
	listSessions := flag.Bool("list-sessions", false, "List disconnected sessions on server")
	cleanupSessions := flag.Bool("cleanup", false, "Cleanup (remove) disconnected sessions (used with -list-sessions)")
	asyncExec := flag.Bool("async", false, "Start command and disconnect immediately (fire-and-forget)")
	logLevel := flag.String("loglevel", "", "Log level: debug, info, warn, error (empty = no logging)")
	keepAlive := flag.Duration("keepalive", 0, "Keepalive interval (e.g. 30s). 0 to disable.")
	idleTimeout := flag.String("idle-timeout", "", "Idle timeout to log (ISO8601 duration, e.g. PT1H); the shell is always created with PT30M")
	enableCBT := flag.Bool("cbt", false, "Enable Channel Binding Tokens (CBT) for NTLM (Extended Protection)")
	testConcurrency := flag.Int("test-concurrency", 0, "Test semaphore: spawn N concurrent commands (requires -script)")
	maxRunspaces := flag.Int("max-runspaces", 1, "Max concurrent pipelines (default: 1)")

	retryAttempts := flag.Int("retry-attempts", 0, "Max command retry attempts (default: 0 = disabled)")
	retryDelay := flag.Duration("retry-delay", 100*time.Millisecond, "Initial retry delay")
	retryMaxDelay := flag.Duration("retry-max-delay", 5*time.Second, "Max retry delay")

	breakerThreshold := flag.Int("breaker-threshold", 5, "Circuit Breaker failure threshold (0 to disable)")
	breakerTimeout := flag.Duration("breaker-timeout", 30*time.Second, "Circuit Breaker reset timeout")

	autoReconnect := flag.Bool("auto-reconnect", false, "Enable automatic reconnection on failures")

	flag.Parse()

	if *logLevel != "" {
		_ = os.Setenv("PSRP_DEBUG", "1") // Enable legacy debug as well
	}

	if *server == "" {
		fmt.Fprintln(os.Stderr, "Error: -server is required")
		flag.Usage()
		os.Exit(1)
	}
	if *username == "" && !auth.SupportsSSO() {
		fmt.Fprintln(os.Stderr,
			"Error: -user is required (SSO not supported on this platform)")
		flag.Usage()
		os.Exit(1)
	}

	var pass string

	// Auto-detect Kerberos cache on macOS if -kerberos is set and no cache specified
	detectedCache := *ccache
	if *useKerberos && detectedCache == "" && os.Getenv("KRB5CCNAME") == "" {
		// Try to detect macOS API cache using klist -l
		out, err := exec.Command("klist", "-l").Output()
		if err == nil {
			lines := strings.Split(string(out), "\n")
			var bestCache string

			for _, line := range lines {
				if !strings.Contains(line, "API:") {
					continue
				}
				isActive := strings.TrimSpace(line)[0] == '*'

				fields := strings.Fields(line)
				var apiCache string
				for _, f := range fields {
					if strings.HasPrefix(f, "API:") {
						apiCache = f
						break
					}
				}
				if apiCache == "" {
					continue
				}
				if isActive {
					bestCache = apiCache
					break
				}
				if bestCache == "" && !strings.Contains(line, ">>> Expired <<<") {
					bestCache = apiCache
				}
			}
			detectedCache = bestCache
		}

		// If we found an API: cache, export it to a temp file (gokrb5 can't read API caches)
		if strings.HasPrefix(detectedCache, "API:") {
			tempCache := fmt.Sprintf("/tmp/psrp_krb5cc_%d", os.Getpid())
			// Use kcc copy to copy credentials from API cache to file cache (Heimdal command)
			// #nosec G204 -- klist output is system-generated and trusted for local user context
			cmd := exec.Command("kcc", "copy", detectedCache, tempCache)
			if err := cmd.Run(); err == nil {
				detectedCache = tempCache
			} else {
				detectedCache = ""
			}
		}
	}

	hasCache := (detectedCache != "" || os.Getenv("KRB5CCNAME") != "") && !*useNTLM

	if *username != "" && !hasCache {
		pass = getPassword(*password)
	}

	needCreds := *username != ""
	if needCreds && pass == "" && !hasCache {
		fmt.Fprintln(os.Stderr, "Error: password is required (use -pass, PSRP_PASSWORD env, or stdin)")
		os.Exit(1)
	}

	cfg := client.DefaultConfig()
	cfg.Username = *username
	cfg.Password = pass
	cfg.UseTLS = *useTLS
	cfg.InsecureSkipVerify = *insecure
	cfg.Timeout = *timeout
	cfg.KeepAliveInterval = *keepAlive
	cfg.IdleTimeout = *idleTimeout
	cfg.EnableCBT = *enableCBT
	cfg.MaxRunspaces = *maxRunspaces
	cfg.Reconnect.Enabled = *autoReconnect

	if *retryAttempts > 0 {
		cfg.Retry = client.DefaultRetryPolicy()
		cfg.Retry.MaxAttempts = *retryAttempts
		if *retryDelay > 0 {
			cfg.Retry.InitialDelay = *retryDelay
		}
		if *retryMaxDelay > 0 {
			cfg.Retry.MaxDelay = *retryMaxDelay
		}
		fmt.Printf("Command Retry: Enabled (attempts=%d, delay=%v, max=%v)\n",
			cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay)
	}

	if *breakerThreshold > 0 {
		cfg.CircuitBreaker = client.DefaultCircuitBreakerPolicy()
		cfg.CircuitBreaker.FailureThreshold = *breakerThreshold
		cfg.CircuitBreaker.ResetTimeout = *breakerTimeout
		fmt.Printf("Circuit Breaker: Enabled (threshold=%d, timeout=%v)\n",
			cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout)
	} else {
		cfg.CircuitBreaker = &client.CircuitBreakerPolicy{Enabled: false}
		fmt.Println("Circuit Breaker: Disabled")
	}

	// Kerberos settings apply to both AuthNegotiate (default) and explicit -kerberos
	cfg.Realm = *realm
	cfg.Krb5ConfPath = *krb5Conf
	cfg.CCachePath = detectedCache
	if cfg.CCachePath == "" {
		cfg.CCachePath = os.Getenv("KRB5CCNAME")
	}
	if cfg.Realm == "" {
		cfg.Realm = os.Getenv("PSRP_REALM")
	}
	if cfg.Krb5ConfPath == "" {
		cfg.Krb5ConfPath = os.Getenv("KRB5_CONFIG")
	}
	cfg.TargetSPN = *spn

	if *useKerberos {
		cfg.AuthType = client.AuthKerberos
	} else if *useNTLM {
		cfg.AuthType = client.AuthNTLM
	}
	// Default is AuthNegotiate (set by DefaultConfig)

	if *port != 0 {
		cfg.Port = *port
	} else if *useTLS {
		cfg.Port = 5986
	}

	if configName != "" {
		cfg.ConfigurationName = configName
	}

	psrp, err := client.New(*server, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating client: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		var level slog.Level
		switch strings.ToLower(*logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			fmt.Fprintf(os.Stderr, "Invalid log level '%s'. Valid values: debug, info, warn, error\n", *logLevel)
			os.Exit(1)
		}

		opts := &slog.HandlerOptions{Level: level}
		logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
		psrp.SetSlogLogger(logger)
	}

	if *sessionID != "" {
		psrp.SetSessionID(*sessionID)
	}
	if *poolID != "" {
		if err := psrp.SetPoolID(*poolID); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid PoolID: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("Connecting to %s...\n", psrp.Endpoint())

	// Handle list-sessions mode (connects, then lists the server's other shells)
	if *listSessions {
		if err := psrp.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
			os.Exit(1)
		}
		defer psrp.Close(ctx)

		sessions, err := psrp.ListDisconnectedSessions(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
			os.Exit(1)
		}

		if len(sessions) == 0 {
			fmt.Println("No disconnected sessions found.")
		} else {
			fmt.Printf("Found %d session(s):\n", len(sessions))
			for i, s := range sessions {
				fmt.Printf("%d. ShellID: %s\n", i+1, s.ShellID)
			}
		}

		if *cleanupSessions && len(sessions) > 0 {
			fmt.Println("\nCleaning up...")
			for _, s := range sessions {
				fmt.Printf("Removing session %s... ", s.ShellID)
				if err := psrp.RemoveDisconnectedSession(ctx, s); err != nil {
					fmt.Printf("Failed: %v\n", err)
				} else {
					fmt.Println("Done")
				}
			}
		}
		return
	}

	if *reconnectShellID != "" {
		fmt.Printf("Reconnecting to shell %s...\n", *reconnectShellID)
		if err := psrp.Reconnect(ctx, *reconnectShellID); err != nil {
			fmt.Fprintf(os.Stderr, "Error reconnecting: %v\n", err)
			os.Exit(1)
		}
	} else {
		if err := psrp.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting: %v\n", err)
			os.Exit(1)
		}
	}

	// Defer Close ONLY if we are NOT disconnecting and not async
	if !*doDisconnect && !*asyncExec {
		defer psrp.Close(ctx)
	}

	fmt.Println("Connected!")
	fmt.Printf("State: %s\n", psrp.State())
	fmt.Printf("Health: %s\n", psrp.Health())

	// Handle async execution - start command and disconnect immediately
	if *asyncExec {
		fmt.Printf("Starting async execution: %s\n", *script)
		commandID, err := psrp.ExecuteAsync(ctx, *script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error starting async execution: %v\n", err)
			os.Exit(1)
		}

		shellID := psrp.ShellID()
		poolIDVal := psrp.PoolID()
		fmt.Println("---")
		fmt.Println("Command started in background!")
		fmt.Printf("ShellID: %s\n", shellID)
		fmt.Printf("PoolID: %s\n", poolIDVal)
		fmt.Printf("CommandID: %s\n", commandID)

		if err := psrp.Disconnect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error disconnecting: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("\nDisconnected! Command continues running on server.")
		fmt.Println("To reconnect later, run:")
		fmt.Printf("  ./psrp-client ... -reconnect %s -poolid %q\n", shellID, poolIDVal)
		return
	}

	// Handle test-concurrency mode
	if *testConcurrency > 0 {
		fmt.Printf("Testing semaphore with %d concurrent commands (MaxRunspaces=%d)...\n", *testConcurrency, *maxRunspaces)
		fmt.Println("---")

		var wg sync.WaitGroup
		results := make(chan string, *testConcurrency)

		for i := 0; i < *testConcurrency; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				start := time.Now()
				cmdScript := fmt.Sprintf("'Worker %d started'; Start-Sleep 2; 'Worker %d done'", id, id)
				result, err := psrp.Execute(ctx, cmdScript)
				elapsed := time.Since(start)
				if err != nil {
					results <- fmt.Sprintf("Worker %d: ERROR after %v - %v", id, elapsed, err)
				} else {
					results <- fmt.Sprintf("Worker %d: OK after %v - %d outputs", id, elapsed, len(result.Output))
				}
			}(i)
		}

		go func() {
			wg.Wait()
			close(results)
		}()

		for r := range results {
			fmt.Println(r)
		}
		fmt.Println("---")
		fmt.Println("If MaxRunspaces < test-concurrency, some workers should take longer (queued).")
		return
	}

	// Handle Subscription Mode
	if *subscribe != "" {
		fmt.Printf("Subscribing to events with query: %s\n", *subscribe)

		sub, err := psrp.Subscribe(context.Background(), *subscribe)
		if err != nil {
			fmt.Printf("Error subscribing: %v\n", err)
			os.Exit(1)
		}
		defer sub.Close()

		fmt.Println("Subscription active. Waiting for events (Ctrl+C to exit)...")

		for {
			select {
			case event, ok := <-sub.Events:
				if !ok {
					fmt.Println("Event channel closed.")
					return
				}
				fmt.Printf("--- EVENT RECEIVED ---\n%s\n----------------------\n", string(event))
			case err, ok := <-sub.Errors:
				if !ok {
					return
				}
				fmt.Printf("Error: %v\n", err)
			}
		}
	}

	// Normal Execution Mode
	if *script != "" {
		fmt.Printf("Executing: %s\n", *script)
		fmt.Println("---")

		result, err := psrp.Execute(ctx, *script)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error executing script: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("Output:")
		for _, obj := range result.Output {
			fmt.Println(formatObject(obj))
		}

		if len(result.Information) > 0 {
			fmt.Println("Information:")
			for _, obj := range result.Information {
				fmt.Println(formatObject(obj))
			}
		}

		if len(result.Warnings) > 0 {
			fmt.Println("Warnings:")
			for _, obj := range result.Warnings {
				fmt.Println(formatObject(obj))
			}
		}

		if len(result.Verbose) > 0 {
			fmt.Println("Verbose:")
			for _, obj := range result.Verbose {
				fmt.Println(formatObject(obj))
			}
		}

		if len(result.Debug) > 0 {
			fmt.Println("Debug:")
			for _, obj := range result.Debug {
				fmt.Println(formatObject(obj))
			}
		}

		if result.HadErrors {
			fmt.Fprintln(os.Stderr, "Errors:")
			for _, obj := range result.Errors {
				fmt.Fprintln(os.Stderr, formatComplex(obj))
			}
			os.Exit(1)
		}
	}

	// Handle Disconnect
	if *doDisconnect {
		shellID := psrp.ShellID()
		poolIDVal := psrp.PoolID()
		fmt.Printf("\nDisconnecting from shell: %s (PoolID: %s)\n", shellID, poolIDVal)

		if err := psrp.Disconnect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error disconnecting: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Disconnected successfully. You can reconnect using:")
		if *sessionID != "" {
			fmt.Printf("  ./psrp-client -server %s -user %s -tls -ntlm -insecure -reconnect %s -sessionid %q -poolid %q -script \"Write-Host 'Back'\"\n", *server, *username, shellID, *sessionID, poolIDVal)
		} else {
			fmt.Printf("  -reconnect %s -poolid %s\n", shellID, poolIDVal)
		}
	}
}

// getPassword returns password from flag, env var, or prompts for it.
func getPassword(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envPass := os.Getenv("PSRP_PASSWORD"); envPass != "" {
		return envPass
	}

	fmt.Fprint(os.Stderr, "Password: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		passBytes, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return ""
		}
		return string(passBytes)
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

// formatObject converts a decoded CLIXML value to a human-readable string.
func formatObject(v clixml.Value) string {
	if v.IsObject() {
		return formatComplex(v.Object)
	}
	return formatPrim(v.Prim)
}

func formatPrim(v interface{}) string {
	switch val := v.(type) {
	case string:
		result := val
		result = strings.ReplaceAll(result, "_x000D__x000A_", "\n")
		result = strings.ReplaceAll(result, "_x000D_", "\r")
		result = strings.ReplaceAll(result, "_x000A_", "\n")
		return result
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatComplex formats a deserialized CLIXML object graph: its ToString
// representation if present, otherwise its adapted and extended properties
// as key=value pairs.
func formatComplex(c *clixml.Complex) string {
	if c == nil {
		return "<nil>"
	}
	if c.ToString != nil {
		return *c.ToString
	}
	if c.BaseValue != nil {
		return formatObject(*c.BaseValue)
	}

	var parts []string
	for _, p := range c.Adapted {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Name, formatObject(p.Value)))
	}
	for _, p := range c.Extended {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Name, formatObject(p.Value)))
	}
	if len(parts) == 0 && len(c.ContainerVals) > 0 {
		var items []string
		for _, item := range c.ContainerVals {
			items = append(items, formatObject(item))
		}
		return "[" + strings.Join(items, ", ") + "]"
	}
	return strings.Join(parts, " ")
}
