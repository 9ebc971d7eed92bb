package clixml

import (
	"strings"
	"testing"
)

func TestEncodeDecode_Primitives(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"nil", Nil()},
		{"bool true", Bool(true)},
		{"bool false", Bool(false)},
		{"byte", Byte(200)},
		{"sbyte", SByte(-42)},
		{"uint16", UInt16(65000)},
		{"int16", Int16(-1000)},
		{"uint32", UInt32(4000000000)},
		{"int32", Int32(-2000000)},
		{"uint64", UInt64(18000000000000000000)},
		{"int64", Int64(-9000000000000000000)},
		{"float32", Float32(3.5)},
		{"float64", Float64(-2.25)},
		{"char", Char('é')},
		{"string", String("hello world")},
		{"string with reserved chars", String("<tag> & \"quote\" _underscore_")},
		{"guid", GUID("581066a9-81a9-4471-8edb-0557b9e3c45e")},
		{"version", Version("1.2.3.4")},
		{"datetime", DateTime("2026-07-31T12:00:00.0000000-07:00")},
		{"timespan", TimeSpan("P1DT2H3M4S")},
		{"bytes", Bytes([]byte{0x00, 0x01, 0xFF, 0xAB})},
		{"scriptblock", ScriptBlock("Get-Process | Select-Object Name")},
		{"securestring", SecureString("AQAAANCMnd8BFdERjHoAwE/Cl+s=")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.v)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v\ndata: %s", err, data)
			}

			if got.Kind != tt.v.Kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.v.Kind)
			}
			if gb, ok := got.Prim.([]byte); ok {
				wb, _ := tt.v.Prim.([]byte)
				if string(gb) != string(wb) {
					t.Fatalf("Prim = %v, want %v", got.Prim, tt.v.Prim)
				}
			} else if got.Prim != tt.v.Prim {
				t.Fatalf("Prim = %#v, want %#v", got.Prim, tt.v.Prim)
			}
		})
	}
}

func TestEncode_UnderscoreEscaping(t *testing.T) {
	data, err := Encode(String("_x0041_"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), "_x005F_x0041_") {
		t.Fatalf("expected literal underscore to be escaped, got %s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Prim != "_x0041_" {
		t.Fatalf("round-trip mismatch: got %q", got.Prim)
	}
}

func TestEncodeDecode_SimpleObject(t *testing.T) {
	c := &Complex{
		TypeNames: TypeNames{"Deserialized.System.Management.Automation.PSCustomObject", "System.Object"},
		Adapted: []Property{
			{Name: "Name", Value: String("svchost")},
			{Name: "Id", Value: Int32(4242)},
		},
	}

	data, err := Encode(Object(c))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v\ndata: %s", err, data)
	}

	if !got.IsObject() {
		t.Fatal("expected object value")
	}
	if !got.Object.TypeNames.Equal(c.TypeNames) {
		t.Fatalf("TypeNames = %v, want %v", got.Object.TypeNames, c.TypeNames)
	}
	if len(got.Object.Adapted) != 2 {
		t.Fatalf("Adapted len = %d, want 2", len(got.Object.Adapted))
	}
	if got.Object.Adapted[0].Name != "Name" || got.Object.Adapted[0].Value.Prim != "svchost" {
		t.Fatalf("Adapted[0] = %+v", got.Object.Adapted[0])
	}
	if got.Object.Adapted[1].Name != "Id" || got.Object.Adapted[1].Value.Prim != int32(4242) {
		t.Fatalf("Adapted[1] = %+v", got.Object.Adapted[1])
	}
}

func TestEncodeDecode_ErrorRecord(t *testing.T) {
	c := &Complex{
		TypeNames: TypeNames{"Deserialized.System.Management.Automation.ErrorRecord"},
		Extended: []Property{
			{Name: "Message", Value: String("boom")},
		},
	}

	data, err := Encode(Object(c))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Object.IsErrorRecord() {
		t.Fatal("expected IsErrorRecord true")
	}
}

func TestEncodeDecode_NestedRef(t *testing.T) {
	inner := &Complex{
		TypeNames: TypeNames{"System.Object"},
		Adapted:   []Property{{Name: "Value", Value: Int32(1)}},
	}

	outer := &Complex{
		TypeNames: TypeNames{"System.Object[]"},
		Container: ContainerList,
		ContainerVals: []Entry{
			{Value: Object(inner)},
			{Value: Object(inner)},
		},
	}

	data, err := Encode(Object(outer))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Count(string(data), "<Obj") != 2 {
		t.Fatalf("expected the repeated inner object to be written once, got:\n%s", data)
	}
	if !strings.Contains(string(data), "<Ref") {
		t.Fatalf("expected a <Ref> element for the repeated object, got:\n%s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v\ndata: %s", err, data)
	}
	if len(got.Object.ContainerVals) != 2 {
		t.Fatalf("ContainerVals len = %d, want 2", len(got.Object.ContainerVals))
	}
	first := got.Object.ContainerVals[0].Value.Object
	second := got.Object.ContainerVals[1].Value.Object
	if first != second {
		t.Fatal("expected the decoded Ref to resolve to the same *Complex instance")
	}
}

func TestEncodeDecode_Dictionary(t *testing.T) {
	c := &Complex{
		TypeNames: TypeNames{"System.Collections.Hashtable"},
		Container: ContainerDictionary,
		ContainerVals: []Entry{
			{Key: ptr(String("color")), Value: String("blue")},
			{Key: ptr(String("count")), Value: Int32(7)},
		},
	}

	data, err := Encode(Object(c))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v\ndata: %s", err, data)
	}
	if len(got.Object.ContainerVals) != 2 {
		t.Fatalf("ContainerVals len = %d, want 2", len(got.Object.ContainerVals))
	}
	for i, entry := range got.Object.ContainerVals {
		if entry.Key == nil {
			t.Fatalf("entry %d missing key", i)
		}
	}
	if got.Object.ContainerVals[0].Key.Prim != "color" {
		t.Fatalf("entry 0 key = %v", got.Object.ContainerVals[0].Key.Prim)
	}
}

func TestEncodeDecode_TypeNameSharing(t *testing.T) {
	tn := TypeNames{"Deserialized.System.Management.Automation.PSObject", "System.Object"}
	c := &Complex{
		TypeNames: tn,
		Container: ContainerList,
		ContainerVals: []Entry{
			{Value: Object(&Complex{TypeNames: tn})},
		},
	}

	data, err := Encode(Object(c))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Count(string(data), "<TN ") != 1 {
		t.Fatalf("expected the shared type-name list to be written once, got:\n%s", data)
	}
	if !strings.Contains(string(data), "<TNRef") {
		t.Fatalf("expected a <TNRef> for the repeated type-name list, got:\n%s", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v\ndata: %s", err, data)
	}
	if !got.Object.TypeNames.Equal(tn) {
		t.Fatalf("outer TypeNames = %v, want %v", got.Object.TypeNames, tn)
	}
	inner := got.Object.ContainerVals[0].Value.Object
	if !inner.TypeNames.Equal(tn) {
		t.Fatalf("inner TypeNames = %v, want %v", inner.TypeNames, tn)
	}
}

func TestDecode_UnassignedRef(t *testing.T) {
	_, err := Decode([]byte(`<Ref xmlns="http://schemas.microsoft.com/powershell/2004/04" RefId="9"/>`))
	if err == nil {
		t.Fatal("expected an error for an unassigned RefId")
	}
}

func TestDecode_EmptyDocument(t *testing.T) {
	_, err := Decode([]byte(``))
	if err == nil {
		t.Fatal("expected an error for an empty document")
	}
}

func ptr(v Value) *Value { return &v }
