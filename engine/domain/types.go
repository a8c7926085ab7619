// Package domain defines the diagram document model consumed by the graph
// engine, its validation gate and the error kinds shared by every engine.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is one extracted one-line diagram.
type Document struct {
	Metadata     Metadata     `json:"metadata"`
	Ontology     Ontology     `json:"ontology"`
	Nodes        []Node       `json:"nodes" validate:"dive"`
	Edges        []Edge       `json:"edges" validate:"dive"`
	Calculations Calculations `json:"calculations,omitempty"`
}

// Metadata describes where a diagram came from.
type Metadata struct {
	Title       string
	SourceImage string
	ExtractedAt *time.Time
	Notes       []string
	Extra       map[string]Value
}

// Ontology is the advisory catalogue of node and edge types. It is never
// enforced at write time.
type Ontology struct {
	NodeTypes map[string]TypeDef `json:"node_types" validate:"required"`
	EdgeTypes map[string]TypeDef `json:"edge_types" validate:"required"`
}

// TypeDef lists the attribute names declared for one type.
type TypeDef struct {
	Attrs []string `json:"attrs"`
}

// Node is a diagram component. Attrs holds everything beyond id/type/name.
type Node struct {
	ID    string `validate:"required"`
	Type  string `validate:"required"`
	Name  string
	Attrs map[string]Value
}

// Edge connects two nodes of the same document.
type Edge struct {
	From  string `validate:"required"`
	To    string `validate:"required"`
	Type  string `validate:"required"`
	Via   string
	Notes string
	Attrs map[string]Value
}

// Calculations is an opaque engineering block (short-circuit results,
// breaker specs, ...). It is stored and returned as one unit.
type Calculations json.RawMessage

// IsZero reports whether no calculations were supplied.
func (c Calculations) IsZero() bool {
	return len(c) == 0 || string(c) == "null"
}

func (c Calculations) MarshalJSON() ([]byte, error) {
	if c.IsZero() {
		return []byte("null"), nil
	}
	return []byte(c), nil
}

func (c *Calculations) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = nil
		return nil
	}
	*c = append((*c)[:0], data...)
	return nil
}

// timestampLayouts are the extracted_at formats accepted from upstream.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses an extracted_at value.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	if err := takeString(raw, "title", &m.Title); err != nil {
		return err
	}
	if err := takeString(raw, "source_image", &m.SourceImage); err != nil {
		return err
	}
	var ts string
	if err := takeString(raw, "extracted_at", &ts); err != nil {
		return err
	}
	if ts != "" {
		t, err := ParseTimestamp(ts)
		if err != nil {
			return NewValidationError("metadata.extracted_at", ts, ErrMalformed)
		}
		m.ExtractedAt = &t
	}
	if notes, ok := raw["notes"]; ok {
		delete(raw, "notes")
		if err := decodeNotes(notes, &m.Notes); err != nil {
			return err
		}
	}
	extra, err := decodeAttrs(raw)
	if err != nil {
		return err
	}
	m.Extra = extra
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Title != "" {
		out["title"] = m.Title
	}
	if m.SourceImage != "" {
		out["source_image"] = m.SourceImage
	}
	if m.ExtractedAt != nil {
		out["extracted_at"] = m.ExtractedAt.Format(time.RFC3339)
	}
	if len(m.Notes) > 0 {
		out["notes"] = m.Notes
	}
	return json.Marshal(out)
}

// decodeNotes accepts either a list of strings or a single string.
func decodeNotes(data json.RawMessage, dst *[]string) error {
	if string(data) == "null" {
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*dst = list
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return NewValidationError("metadata.notes", string(data), ErrMalformed)
	}
	*dst = []string{one}
	return nil
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node{}
	for key, dst := range map[string]*string{"id": &n.ID, "type": &n.Type, "name": &n.Name} {
		if err := takeString(raw, key, dst); err != nil {
			return err
		}
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return err
	}
	n.Attrs = attrs
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Attrs)+3)
	for k, v := range n.Attrs {
		out[k] = v
	}
	out["id"] = n.ID
	out["type"] = n.Type
	if n.Name != "" {
		out["name"] = n.Name
	}
	return json.Marshal(out)
}

func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Edge{}
	fields := map[string]*string{
		"from": &e.From, "to": &e.To, "type": &e.Type, "via": &e.Via, "notes": &e.Notes,
	}
	for key, dst := range fields {
		if err := takeString(raw, key, dst); err != nil {
			return err
		}
	}
	attrs, err := decodeAttrs(raw)
	if err != nil {
		return err
	}
	e.Attrs = attrs
	return nil
}

func (e Edge) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Attrs)+5)
	for k, v := range e.Attrs {
		out[k] = v
	}
	out["from"] = e.From
	out["to"] = e.To
	out["type"] = e.Type
	if e.Via != "" {
		out["via"] = e.Via
	}
	if e.Notes != "" {
		out["notes"] = e.Notes
	}
	return json.Marshal(out)
}

// takeString moves raw[key] into dst and removes it from raw. A missing or
// null key leaves dst empty.
func takeString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	delete(raw, key)
	if string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return NewValidationError(key, string(v), ErrMalformed)
	}
	return nil
}

func decodeAttrs(raw map[string]json.RawMessage) (map[string]Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	attrs := make(map[string]Value, len(raw))
	for k, v := range raw {
		var val Value
		if err := val.UnmarshalJSON(v); err != nil {
			return nil, NewValidationError(k, string(v), ErrMalformed)
		}
		attrs[k] = val
	}
	return attrs, nil
}
