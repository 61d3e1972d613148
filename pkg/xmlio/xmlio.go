// Package xmlio provides a small namespaced element tree used for recipes
// and report payloads, where element names are not known ahead of time.
package xmlio

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

// Element is a generic XML element. Namespace declarations are resolved
// into Name.Space on decode and are re-emitted as default namespace
// declarations on encode.
type Element struct {
	Name     xml.Name
	Attrs    []xml.Attr
	Children []*Element
	Text     string
}

// New returns an element without namespace and with the given attributes,
// supplied as name/value pairs.
func New(name string, attrs ...string) *Element {
	e := &Element{Name: xml.Name{Local: name}}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.SetAttr(attrs[i], attrs[i+1])
	}
	return e
}

// Parse decodes the first element of data.
func Parse(data []byte) (*Element, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads the first element from r.
func Decode(r io.Reader) (*Element, error) {
	d := xml.NewDecoder(r)
	for {
		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				return nil, &xml.SyntaxError{Msg: "no root element", Line: 1}
			}
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			e := new(Element)
			if err := e.UnmarshalXML(d, start); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
}

// Attr returns the value of the named attribute, or "".
func (e *Element) Attr(name string) string {
	v, _ := e.LookupAttr(name)
	return v
}

// LookupAttr returns the named attribute and whether it is present.
func (e *Element) LookupAttr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets or replaces an attribute.
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name.Local == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
}

// Append adds children and returns e.
func (e *Element) Append(children ...*Element) *Element {
	e.Children = append(e.Children, children...)
	return e
}

// ChildrenNamed returns the direct children with the given local name.
func (e *Element) ChildrenNamed(name string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Name.Local == name {
			out = append(out, c)
		}
	}
	return out
}

// Gettext returns the text of e and all of its descendants.
func (e *Element) Gettext() string {
	if len(e.Children) == 0 {
		return e.Text
	}
	var b strings.Builder
	b.WriteString(e.Text)
	for _, c := range e.Children {
		b.WriteString(c.Gettext())
	}
	return b.String()
}

// UnmarshalXML implements xml.Unmarshaler.
func (e *Element) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	e.Name = start.Name
	e.Attrs = e.Attrs[:0]
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}

	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := new(Element)
			if err := child.UnmarshalXML(d, t); err != nil {
				return err
			}
			e.Children = append(e.Children, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			e.Text = text.String()
			if len(e.Children) > 0 && strings.TrimSpace(e.Text) == "" {
				e.Text = ""
			}
			return nil
		}
	}
}

// MarshalXML implements xml.Marshaler. The start element supplied by the
// encoder is ignored in favour of the element's own name.
func (e *Element) MarshalXML(enc *xml.Encoder, _ xml.StartElement) error {
	return e.encode(enc, "")
}

func (e *Element) encode(enc *xml.Encoder, inherited string) error {
	start := xml.StartElement{Name: xml.Name{Local: e.Name.Local}}
	if e.Name.Space != inherited {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: e.Name.Space})
	}
	start.Attr = append(start.Attr, e.Attrs...)

	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	for _, c := range e.Children {
		if err := c.encode(enc, e.Name.Space); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// Bytes serialises e.
func (e *Element) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := e.encode(enc, ""); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String serialises e, returning "" on failure.
func (e *Element) String() string {
	b, err := e.Bytes()
	if err != nil {
		return ""
	}
	return string(b)
}
