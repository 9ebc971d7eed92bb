package clixml

// Kind identifies the shape of a primitive Value.
type Kind int

// Primitive kinds, matching the CLIXML primitive tags in spec.md §3/§4.1.
const (
	KindNil Kind = iota
	KindBool
	KindByte
	KindSByte
	KindUInt16
	KindInt16
	KindUInt32
	KindInt32
	KindUInt64
	KindInt64
	KindFloat32
	KindFloat64
	KindDecimal
	KindChar
	KindString
	KindGUID
	KindVersion
	KindDateTime
	KindTimeSpan
	KindBytes
	KindSecureString
	KindScriptBlock
	KindXMLDocument
)

// primitiveTags maps a Kind to its CLIXML element tag.
var primitiveTags = map[Kind]string{
	KindNil:          "Nil",
	KindBool:         "B",
	KindByte:         "By",
	KindSByte:        "SB",
	KindUInt16:       "U16",
	KindInt16:        "I16",
	KindUInt32:       "U32",
	KindInt32:        "I32",
	KindUInt64:       "U64",
	KindInt64:        "I64",
	KindFloat32:      "Sg",
	KindFloat64:      "Db",
	KindDecimal:      "D",
	KindChar:         "C",
	KindString:       "S",
	KindGUID:         "G",
	KindVersion:      "Version",
	KindDateTime:     "DT",
	KindTimeSpan:     "TS",
	KindBytes:        "BA",
	KindSecureString: "SS",
	KindScriptBlock:  "SBK",
	KindXMLDocument:  "XD",
}

var tagPrimitives = func() map[string]Kind {
	m := make(map[string]Kind, len(primitiveTags))
	for k, v := range primitiveTags {
		m[v] = k
	}
	return m
}()

// TypeNames is an ordered type hierarchy, most-derived first, exactly as
// CLIXML's <TN> element lists it.
type TypeNames []string

// Equal reports whether two TypeNames lists carry the same names in the
// same order. RefIds are allowed to differ between two otherwise-equal
// graphs, per spec.md §8 invariant 3.
func (t TypeNames) Equal(o TypeNames) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// ContainerKind identifies which of the four container shapes a complex
// object's content holds.
type ContainerKind int

const (
	// ContainerNone means the object carries no container content (only a
	// base value, or neither).
	ContainerNone ContainerKind = iota
	ContainerList
	ContainerStack
	ContainerQueue
	ContainerDictionary
)

// Entry is one key/value pair of a Dictionary container, or a bare element
// of List/Stack/Queue (Key is nil in that case).
type Entry struct {
	Key   *Value
	Value Value
}

// Property is one name/value pair of an adapted or extended property bag.
// Properties preserve insertion order and may repeat a name, matching
// spec.md §3's "duplicate-preserving" requirement.
type Property struct {
	Name  string
	Value Value
}

// Complex is the payload of a Value whose Kind is KindObject: a CLR object
// with a type-name hierarchy, two property bags, and optional content.
type Complex struct {
	// TypeNames is the derived-to-base type hierarchy. Empty for anonymous
	// PSCustomObject instances.
	TypeNames TypeNames

	// ToString is the object's string rendition, if the server supplied one.
	// A nil pointer means no <ToString> element was present.
	ToString *string

	Adapted  []Property
	Extended []Property

	// BaseValue holds an enum-shaped or primitive-derived "content" value
	// (e.g. the numeric value behind an ErrorCategory enum). Nil when the
	// object instead carries container content or no content at all.
	BaseValue *Value

	Container     ContainerKind
	ContainerVals []Entry

	// RefID is the object's identity as assigned by the encoder, or as seen
	// on the wire when decoding. Used to support <Ref RefId="n"/>; a
	// decoded <Ref> resolves directly to its target *Complex rather than
	// carrying a separate reference marker, since the wire form never
	// nests the referent under the ref.
	RefID int
}

// Value is a decoded or to-be-encoded PowerShell object: either a
// primitive, or a complex object. A zero Value is KindNil.
type Value struct {
	Kind Kind

	// Prim holds the primitive's native-ish Go representation. Its
	// concrete type depends on Kind; see the constructors below.
	Prim interface{}

	// Object is non-nil only when Kind == KindObject.
	Object *Complex
}

// KindObject marks a Value whose payload is a *Complex rather than a
// primitive. It is not part of the Kind enum above because objects are not
// mutually exclusive with a "base" primitive shape (an object can carry a
// primitive-shaped BaseValue) — the discriminator here is whether Object is
// set at all.
const KindObject Kind = -1

// IsObject reports whether v carries complex object content.
func (v Value) IsObject() bool { return v.Object != nil }

// Constructors for primitive values.

func Nil() Value                 { return Value{Kind: KindNil} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Prim: b} }
func Byte(b uint8) Value         { return Value{Kind: KindByte, Prim: b} }
func SByte(b int8) Value         { return Value{Kind: KindSByte, Prim: b} }
func UInt16(v uint16) Value      { return Value{Kind: KindUInt16, Prim: v} }
func Int16(v int16) Value        { return Value{Kind: KindInt16, Prim: v} }
func UInt32(v uint32) Value      { return Value{Kind: KindUInt32, Prim: v} }
func Int32(v int32) Value        { return Value{Kind: KindInt32, Prim: v} }
func UInt64(v uint64) Value      { return Value{Kind: KindUInt64, Prim: v} }
func Int64(v int64) Value        { return Value{Kind: KindInt64, Prim: v} }
func Float32(v float32) Value    { return Value{Kind: KindFloat32, Prim: v} }
func Float64(v float64) Value    { return Value{Kind: KindFloat64, Prim: v} }
func Decimal(v string) Value     { return Value{Kind: KindDecimal, Prim: v} }
func Char(r rune) Value          { return Value{Kind: KindChar, Prim: r} }
func String(s string) Value      { return Value{Kind: KindString, Prim: s} }
func GUID(s string) Value        { return Value{Kind: KindGUID, Prim: s} }
func Version(s string) Value     { return Value{Kind: KindVersion, Prim: s} }
func Bytes(b []byte) Value       { return Value{Kind: KindBytes, Prim: b} }
func ScriptBlock(s string) Value { return Value{Kind: KindScriptBlock, Prim: s} }
func XMLDocument(s string) Value { return Value{Kind: KindXMLDocument, Prim: s} }

// SecureString holds already-encrypted UTF-16LE ciphertext (base64 on the
// wire). Plaintext secure strings never exist as a Value. The caller supplies
// the ciphertext as is: no package in this module negotiates a session key
// or encrypts or decrypts SecureString payloads.
func SecureString(cipherBase64 string) Value {
	return Value{Kind: KindSecureString, Prim: cipherBase64}
}

// DateTime holds the ISO-8601 wire form directly; callers that want
// time.Time semantics convert at the edges (spec.md explicitly scopes the
// codec to the text form, see §4.1).
func DateTime(iso8601 string) Value { return Value{Kind: KindDateTime, Prim: iso8601} }

// TimeSpan holds the ISO-8601 duration wire form directly.
func TimeSpan(iso8601Duration string) Value { return Value{Kind: KindTimeSpan, Prim: iso8601Duration} }

// Object wraps a *Complex into a Value.
func Object(c *Complex) Value { return Value{Kind: KindObject, Object: c} }
