// Package clixml implements a round-trip codec between Value, the in-memory
// representation of a PowerShell object, and CLIXML, the XML dialect
// PowerShell Remoting uses to carry typed objects on the wire.
//
// The codec only covers the subset of the CLR type graph observed in PSRP
// traffic: primitives, complex objects with adapted/extended property bags,
// type-name hierarchies, object references, and the four container shapes
// (list, stack, queue, dictionary). It never attempts to reconstruct a full
// .NET type system.
package clixml
