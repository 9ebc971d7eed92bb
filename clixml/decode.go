package clixml

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

type decoder struct {
	dec      *xml.Decoder
	tnTable  map[int]TypeNames
	objTable map[int]*Complex
}

// Decode parses a single CLIXML document into a Value.
func Decode(data []byte) (Value, error) {
	d := &decoder{
		dec:      xml.NewDecoder(bytes.NewReader(data)),
		tnTable:  make(map[int]TypeNames),
		objTable: make(map[int]*Complex),
	}

	for {
		tok, err := d.dec.Token()
		if err == io.EOF {
			return Value{}, codecErrf("", "empty document", nil)
		}
		if err != nil {
			return Value{}, codecErrf("", "xml syntax error", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return d.parseValue(start)
		}
	}
}

func attr(start xml.StartElement, name string) (string, bool) {
	for _, a := range start.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func intAttr(start xml.StartElement, name string) (int, bool) {
	s, ok := attr(start, name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (d *decoder) parseValue(start xml.StartElement) (Value, error) {
	tag := start.Name.Local

	switch tag {
	case "Obj":
		return d.parseObj(start)
	case "Ref":
		refID, ok := intAttr(start, "RefId")
		if !ok {
			return Value{}, codecErrf("Ref", "missing RefId", nil)
		}
		target, ok := d.objTable[refID]
		if !ok {
			return Value{}, codecErrf("Ref", fmt.Sprintf("unassigned RefId %d", refID), nil)
		}
		if err := d.skipToEnd(start); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindObject, Object: target}, nil
	case "Nil":
		if err := d.skipToEnd(start); err != nil {
			return Value{}, err
		}
		return Nil(), nil
	}

	kind, ok := tagPrimitives[tag]
	if !ok {
		return d.parseUnknown(start)
	}

	text, err := d.readText(start)
	if err != nil {
		return Value{}, err
	}
	return d.parsePrimitiveText(kind, tag, text)
}

// parseUnknown preserves an unrecognized element's raw inner text as an
// opaque string-shaped value, per spec.md §4.1's "unknown primitive tags
// ... preserved as opaque" decoding rule.
func (d *decoder) parseUnknown(start xml.StartElement) (Value, error) {
	text, err := d.readText(start)
	if err != nil {
		return Value{}, err
	}
	return Value{Kind: KindString, Prim: text}, nil
}

var escapeRE = regexp.MustCompile(`_x([0-9A-Fa-f]{4})_`)

func unescapeText(s string) string {
	return escapeRE.ReplaceAllStringFunc(s, func(m string) string {
		hex := m[2:6]
		n, err := strconv.ParseUint(hex, 16, 32)
		if err != nil {
			return m
		}
		return string(rune(n))
	})
}

// readText consumes start's children, concatenating any CharData and
// recursing into anything we don't expect (so we never choke on whitespace
// noise), until its matching EndElement.
func (d *decoder) readText(start xml.StartElement) (string, error) {
	var buf bytes.Buffer
	depth := 0
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return "", codecErrf(start.Name.Local, "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			if depth == 0 {
				return unescapeText(buf.String()), nil
			}
			depth--
		case xml.StartElement:
			depth++
		}
	}
}

// skipToEnd consumes tokens until start's matching EndElement, discarding
// them (used for self-closing-style elements whose content we don't need).
func (d *decoder) skipToEnd(start xml.StartElement) error {
	depth := 0
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return codecErrf(start.Name.Local, "unexpected end of document", err)
		}
		switch tok.(type) {
		case xml.EndElement:
			if depth == 0 {
				return nil
			}
			depth--
		case xml.StartElement:
			depth++
		}
	}
}

func (d *decoder) parsePrimitiveText(kind Kind, tag, text string) (Value, error) {
	switch kind {
	case KindBool:
		return Bool(text == "true" || text == "1"), nil
	case KindByte:
		n, err := strconv.ParseUint(text, 10, 8)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid byte", err)
		}
		return Byte(uint8(n)), nil
	case KindSByte:
		n, err := strconv.ParseInt(text, 10, 8)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid sbyte", err)
		}
		return SByte(int8(n)), nil
	case KindUInt16:
		n, err := strconv.ParseUint(text, 10, 16)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid uint16", err)
		}
		return UInt16(uint16(n)), nil
	case KindInt16:
		n, err := strconv.ParseInt(text, 10, 16)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid int16", err)
		}
		return Int16(int16(n)), nil
	case KindUInt32:
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid uint32", err)
		}
		return UInt32(uint32(n)), nil
	case KindInt32:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid int32", err)
		}
		return Int32(int32(n)), nil
	case KindUInt64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid uint64", err)
		}
		return UInt64(n), nil
	case KindInt64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid int64", err)
		}
		return Int64(n), nil
	case KindFloat32:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid float32", err)
		}
		return Float32(float32(f)), nil
	case KindFloat64:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid float64", err)
		}
		return Float64(f), nil
	case KindDecimal:
		return Decimal(text), nil
	case KindChar:
		n, err := strconv.Atoi(text)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid char code point", err)
		}
		return Char(rune(n)), nil
	case KindString:
		return String(text), nil
	case KindScriptBlock:
		return ScriptBlock(text), nil
	case KindXMLDocument:
		return XMLDocument(text), nil
	case KindGUID:
		return GUID(text), nil
	case KindVersion:
		return Version(text), nil
	case KindDateTime:
		return DateTime(text), nil
	case KindTimeSpan:
		return TimeSpan(text), nil
	case KindSecureString:
		return SecureString(text), nil
	case KindBytes:
		b, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return Value{}, codecErrf(tag, "invalid base64", err)
		}
		return Bytes(b), nil
	default:
		return Value{}, codecErrf(tag, "unhandled primitive kind", nil)
	}
}

func (d *decoder) parseObj(start xml.StartElement) (Value, error) {
	refID, _ := intAttr(start, "RefId")
	c := &Complex{RefID: refID}
	if refID != 0 {
		d.objTable[refID] = c
	}

	for {
		tok, err := d.dec.Token()
		if err != nil {
			return Value{}, codecErrf("Obj", "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "Obj" {
				return Value{Kind: KindObject, Object: c}, nil
			}
		case xml.StartElement:
			if err := d.parseObjChild(c, t); err != nil {
				return Value{}, err
			}
		}
	}
}

func (d *decoder) parseObjChild(c *Complex, child xml.StartElement) error {
	switch child.Name.Local {
	case "TN":
		refID, _ := intAttr(child, "RefId")
		tn, err := d.parseTypeNames(child)
		if err != nil {
			return err
		}
		if refID != 0 {
			d.tnTable[refID] = tn
		}
		c.TypeNames = tn
		return nil
	case "TNRef":
		refID, ok := intAttr(child, "RefId")
		if !ok {
			return codecErrf("TNRef", "missing RefId", nil)
		}
		tn, ok := d.tnTable[refID]
		if !ok {
			return codecErrf("TNRef", fmt.Sprintf("unassigned RefId %d", refID), nil)
		}
		if err := d.skipToEnd(child); err != nil {
			return err
		}
		c.TypeNames = tn
		return nil
	case "ToString":
		text, err := d.readText(child)
		if err != nil {
			return err
		}
		c.ToString = &text
		return nil
	case "Props":
		props, err := d.parseProps(child)
		if err != nil {
			return err
		}
		c.Adapted = props
		return nil
	case "MS":
		props, err := d.parseProps(child)
		if err != nil {
			return err
		}
		c.Extended = props
		return nil
	case "LST":
		return d.parseSequence(c, child, ContainerList)
	case "STK":
		return d.parseSequence(c, child, ContainerStack)
	case "QUE":
		return d.parseSequence(c, child, ContainerQueue)
	case "DCT":
		return d.parseDictionary(c, child)
	default:
		v, err := d.parseValue(child)
		if err != nil {
			return err
		}
		c.BaseValue = &v
		return nil
	}
}

func (d *decoder) parseTypeNames(start xml.StartElement) (TypeNames, error) {
	var names TypeNames
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, codecErrf("TN", "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "TN" {
				return names, nil
			}
		case xml.StartElement:
			if t.Name.Local == "T" {
				text, err := d.readText(t)
				if err != nil {
					return nil, err
				}
				names = append(names, text)
			} else {
				if err := d.skipToEnd(t); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (d *decoder) parseProps(start xml.StartElement) ([]Property, error) {
	var props []Property
	container := start.Name.Local
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, codecErrf(container, "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == container {
				return props, nil
			}
		case xml.StartElement:
			name, _ := attr(t, "N")
			v, err := d.parseValue(t)
			if err != nil {
				return nil, err
			}
			props = append(props, Property{Name: name, Value: v})
		}
	}
}

func (d *decoder) parseSequence(c *Complex, start xml.StartElement, kind ContainerKind) error {
	container := start.Name.Local
	var entries []Entry
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return codecErrf(container, "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == container {
				c.Container = kind
				c.ContainerVals = entries
				return nil
			}
		case xml.StartElement:
			v, err := d.parseValue(t)
			if err != nil {
				return err
			}
			entries = append(entries, Entry{Value: v})
		}
	}
}

func (d *decoder) parseDictionary(c *Complex, start xml.StartElement) error {
	var entries []Entry
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return codecErrf("DCT", "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "DCT" {
				c.Container = ContainerDictionary
				c.ContainerVals = entries
				return nil
			}
		case xml.StartElement:
			if t.Name.Local != "En" {
				if err := d.skipToEnd(t); err != nil {
					return err
				}
				continue
			}
			entry, err := d.parseEntry(t)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
	}
}

func (d *decoder) parseEntry(start xml.StartElement) (Entry, error) {
	var entry Entry
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return Entry{}, codecErrf("En", "unexpected end of document", err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			if t.Name.Local == "En" {
				if entry.Key == nil {
					return Entry{}, codecErrf("En", "dictionary entry missing key", nil)
				}
				return entry, nil
			}
		case xml.StartElement:
			name, _ := attr(t, "N")
			v, err := d.parseValue(t)
			if err != nil {
				return Entry{}, err
			}
			switch name {
			case "Key":
				vv := v
				entry.Key = &vv
			case "Value":
				entry.Value = v
			}
		}
	}
}
