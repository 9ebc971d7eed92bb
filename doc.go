// Package psrp provides a complete PowerShell Remoting Protocol (PSRP)
// client with WinRM/WSMan transport support.
//
// # Architecture
//
// The library is organized into layers:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  client/       High-level convenience API                │
//	├─────────────────────────────────────────────────────────┤
//	│  runspace/     RunspacePool state machine                │
//	│  pipeline/     Pipeline state machine and event stream    │
//	│  hostcall/     PSHost method dispatch                     │
//	├─────────────────────────────────────────────────────────┤
//	│  psrp/         PSRP message codec and fragmentation       │
//	│  clixml/       CLIXML object codec                        │
//	├─────────────────────────────────────────────────────────┤
//	│  wsman/        WS-Management/WinRM SOAP transport          │
//	└─────────────────────────────────────────────────────────┘
//
// # Quick Start
//
//	cfg := client.DefaultConfig()
//	cfg.Username = "administrator"
//	cfg.Password = "password"
//	cfg.AuthType = client.AuthNTLM
//	cfg.Port = 5986
//	cfg.UseTLS = true
//
//	c, err := client.New("server", cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(context.Background())
//
//	if err := c.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := c.Execute(context.Background(), "Get-Process | Select -First 5")
package psrp
