// Package psrp implements the wire-level pieces of the PowerShell Remoting
// Protocol that sit between the CLIXML codec and the WS-Management shell
// session: message framing, fragmentation/defragmentation, and the message
// type registry. It does not implement a runspace pool, a pipeline, or any
// transport; see the runspace and pipeline packages for those.
package psrp
