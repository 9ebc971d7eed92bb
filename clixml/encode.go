package clixml

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Namespace is the default XML namespace CLIXML documents declare on their
// root element.
const Namespace = "http://schemas.microsoft.com/powershell/2004/04"

type encoder struct {
	buf      bytes.Buffer
	nextRef  int
	seenObjs map[*Complex]int
	tnRefs   map[string]int
}

// Encode renders v as a CLIXML document. The root element carries the
// default CLIXML namespace declaration; nested elements inherit it.
func Encode(v Value) ([]byte, error) {
	e := &encoder{
		seenObjs: make(map[*Complex]int),
		tnRefs:   make(map[string]int),
	}
	if err := e.writeValue(v, "", true); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *encoder) allocRef() int {
	e.nextRef++
	return e.nextRef
}

func (e *encoder) nameAttr(name string) string {
	if name == "" {
		return ""
	}
	return fmt.Sprintf(` N=%q`, escapeAttr(name))
}

func (e *encoder) writeValue(v Value, name string, root bool) error {
	if v.IsObject() {
		return e.writeObject(v.Object, name, root)
	}
	return e.writePrimitive(v, name, root)
}

func (e *encoder) nsAttr(root bool) string {
	if root {
		return fmt.Sprintf(` xmlns=%q`, Namespace)
	}
	return ""
}

func (e *encoder) writePrimitive(v Value, name string, root bool) error {
	tag, ok := primitiveTags[v.Kind]
	if !ok {
		return codecErrf(name, "unknown primitive kind", fmt.Errorf("kind=%d", v.Kind))
	}

	if v.Kind == KindNil {
		fmt.Fprintf(&e.buf, "<%s%s%s/>", tag, e.nameAttr(name), e.nsAttr(root))
		return nil
	}

	text, err := e.primitiveText(v)
	if err != nil {
		return err
	}

	fmt.Fprintf(&e.buf, "<%s%s%s>%s</%s>", tag, e.nameAttr(name), e.nsAttr(root), text, tag)
	return nil
}

func (e *encoder) primitiveText(v Value) (string, error) {
	switch v.Kind {
	case KindBool:
		b, _ := v.Prim.(bool)
		if b {
			return "true", nil
		}
		return "false", nil
	case KindByte:
		b, _ := v.Prim.(uint8)
		return strconv.FormatUint(uint64(b), 10), nil
	case KindSByte:
		b, _ := v.Prim.(int8)
		return strconv.FormatInt(int64(b), 10), nil
	case KindUInt16:
		n, _ := v.Prim.(uint16)
		return strconv.FormatUint(uint64(n), 10), nil
	case KindInt16:
		n, _ := v.Prim.(int16)
		return strconv.FormatInt(int64(n), 10), nil
	case KindUInt32:
		n, _ := v.Prim.(uint32)
		return strconv.FormatUint(uint64(n), 10), nil
	case KindInt32:
		n, _ := v.Prim.(int32)
		return strconv.FormatInt(int64(n), 10), nil
	case KindUInt64:
		n, _ := v.Prim.(uint64)
		return strconv.FormatUint(n, 10), nil
	case KindInt64:
		n, _ := v.Prim.(int64)
		return strconv.FormatInt(n, 10), nil
	case KindFloat32:
		f, _ := v.Prim.(float32)
		return strconv.FormatFloat(float64(f), 'G', -1, 32), nil
	case KindFloat64:
		f, _ := v.Prim.(float64)
		return strconv.FormatFloat(f, 'G', -1, 64), nil
	case KindDecimal:
		s, _ := v.Prim.(string)
		return escapeText(s), nil
	case KindChar:
		r, _ := v.Prim.(rune)
		return strconv.Itoa(int(r)), nil
	case KindString, KindScriptBlock, KindXMLDocument:
		s, _ := v.Prim.(string)
		return escapeText(s), nil
	case KindGUID, KindVersion, KindDateTime, KindTimeSpan, KindSecureString:
		s, _ := v.Prim.(string)
		return escapeText(s), nil
	case KindBytes:
		b, _ := v.Prim.([]byte)
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return "", codecErrf("", "unsupported primitive kind for text", fmt.Errorf("kind=%d", v.Kind))
	}
}

func (e *encoder) writeObject(c *Complex, name string, root bool) error {
	if refID, seen := e.seenObjs[c]; seen {
		fmt.Fprintf(&e.buf, `<Ref%s RefId="%d"%s/>`, e.nameAttr(name), refID, e.nsAttr(root))
		return nil
	}

	refID := e.allocRef()
	e.seenObjs[c] = refID

	fmt.Fprintf(&e.buf, `<Obj%s RefId="%d"%s>`, e.nameAttr(name), refID, e.nsAttr(root))

	if len(c.TypeNames) > 0 {
		if err := e.writeTypeNames(c.TypeNames); err != nil {
			return err
		}
	}

	if c.ToString != nil {
		fmt.Fprintf(&e.buf, "<ToString>%s</ToString>", escapeText(*c.ToString))
	}

	if len(c.Adapted) > 0 {
		e.buf.WriteString("<Props>")
		for _, p := range c.Adapted {
			if err := e.writeValue(p.Value, p.Name, false); err != nil {
				return err
			}
		}
		e.buf.WriteString("</Props>")
	}

	if len(c.Extended) > 0 {
		e.buf.WriteString("<MS>")
		for _, p := range c.Extended {
			if err := e.writeValue(p.Value, p.Name, false); err != nil {
				return err
			}
		}
		e.buf.WriteString("</MS>")
	}

	if c.BaseValue != nil {
		if err := e.writeValue(*c.BaseValue, "", false); err != nil {
			return err
		}
	}

	if c.Container != ContainerNone {
		if err := e.writeContainer(c); err != nil {
			return err
		}
	}

	e.buf.WriteString("</Obj>")
	return nil
}

func (e *encoder) writeTypeNames(tn TypeNames) error {
	key := strings.Join(tn, "\x00")
	if refID, ok := e.tnRefs[key]; ok {
		fmt.Fprintf(&e.buf, `<TNRef RefId="%d"/>`, refID)
		return nil
	}
	refID := e.allocRef()
	e.tnRefs[key] = refID
	fmt.Fprintf(&e.buf, `<TN RefId="%d">`, refID)
	for _, t := range tn {
		fmt.Fprintf(&e.buf, "<T>%s</T>", escapeText(t))
	}
	e.buf.WriteString("</TN>")
	return nil
}

var containerTags = map[ContainerKind]string{
	ContainerList:       "LST",
	ContainerStack:      "STK",
	ContainerQueue:      "QUE",
	ContainerDictionary: "DCT",
}

func (e *encoder) writeContainer(c *Complex) error {
	tag := containerTags[c.Container]
	fmt.Fprintf(&e.buf, "<%s>", tag)
	for _, entry := range c.ContainerVals {
		if c.Container == ContainerDictionary {
			e.buf.WriteString("<En>")
			if entry.Key == nil {
				return codecErrf("DCT", "dictionary entry missing key", nil)
			}
			if err := e.writeValue(*entry.Key, "Key", false); err != nil {
				return err
			}
			if err := e.writeValue(entry.Value, "Value", false); err != nil {
				return err
			}
			e.buf.WriteString("</En>")
			continue
		}
		if err := e.writeValue(entry.Value, "", false); err != nil {
			return err
		}
	}
	fmt.Fprintf(&e.buf, "</%s>", tag)
	return nil
}

// escapeText escapes CLIXML-reserved characters and control characters that
// are not legal in XML text, using PowerShell's _xHHHH_ escape form for the
// latter (and for literal underscores that would otherwise be mistaken for
// one).
func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == '_':
			b.WriteString("_x005F_")
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		case r == '&':
			b.WriteString("&amp;")
		case isInvalidXMLChar(r):
			fmt.Fprintf(&b, "_x%04X_", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	return s
}

func isInvalidXMLChar(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return false
	case r < 0x20:
		return true
	case r >= 0xD800 && r <= 0xDFFF:
		return true
	case r == 0xFFFE || r == 0xFFFF:
		return true
	}
	return false
}
