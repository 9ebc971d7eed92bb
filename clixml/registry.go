package clixml

import "strings"

// Well-known type-name prefixes PSRP uses for synthesized client-side
// mirrors of server types. Recognizing these lets callers branch on "is
// this a progress record" or "is this an error record" without needing a
// full CLR type system, matching spec.md §1's explicit non-goal.
const (
	TypeErrorRecord       = "System.Management.Automation.ErrorRecord"
	TypeInformationalRec  = "System.Management.Automation.InformationalRecord"
	TypeProgressRecord    = "System.Management.Automation.PSObject#ProgressRecord"
	TypeWarningRecord     = "System.Management.Automation.WarningRecord"
	TypeDebugRecord       = "System.Management.Automation.DebugRecord"
	TypeVerboseRecord     = "System.Management.Automation.VerboseRecord"
	TypeInformationRecord = "System.Management.Automation.InformationRecord"
	TypeHostInfo          = "System.Management.Automation.Remoting.RemoteHostUserInterface"
)

// DeserializedPrefix is the prefix PSRP adds to every type name that
// crosses the wire from a server object's perspective.
const DeserializedPrefix = "Deserialized."

// IsDeserialized reports whether name is a server-originated mirror type,
// and returns the name with the prefix stripped.
func IsDeserialized(name string) (base string, ok bool) {
	if strings.HasPrefix(name, DeserializedPrefix) {
		return strings.TrimPrefix(name, DeserializedPrefix), true
	}
	return name, false
}

// HasType reports whether any entry of tn equals name, ignoring the
// Deserialized. prefix.
func (t TypeNames) HasType(name string) bool {
	for _, n := range t {
		if n == name {
			return true
		}
		if base, ok := IsDeserialized(n); ok && base == name {
			return true
		}
	}
	return false
}

// IsErrorRecord reports whether c represents a Deserialized ErrorRecord.
func (c *Complex) IsErrorRecord() bool { return c != nil && c.TypeNames.HasType(TypeErrorRecord) }

// IsProgressRecord reports whether c represents a Deserialized ProgressRecord.
func (c *Complex) IsProgressRecord() bool {
	return c != nil && c.TypeNames.HasType(TypeProgressRecord)
}
