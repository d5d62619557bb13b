// Package element models the drawable elements of a document, the client's
// materialized view of them, and the differ that turns snapshot changes into
// operations.
package element

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ErrMalformed is returned when a payload cannot be read as an element.
var ErrMalformed = errors.New("malformed element")

const (
	keyID      = "id"
	keyVersion = "version"
	keyDeleted = "isDeleted"
)

// Element is an opaque, versioned drawable. Only ID, Version and IsDeleted are
// interpreted; every other attribute is carried through untouched.
//
// Element values are immutable: methods that change an element return a copy.
type Element struct {
	ID        string
	Version   int64
	IsDeleted bool

	attrs map[string]json.RawMessage
}

// New returns an element with no attributes besides its identity.
func New(id string, version int64) Element {
	return Element{ID: id, Version: version}
}

// WithAttr returns a copy of e with attribute key set to the raw JSON value.
// Reserved keys (id, version, isDeleted) are ignored; use the struct fields.
func (e Element) WithAttr(key string, value json.RawMessage) Element {
	switch key {
	case keyID, keyVersion, keyDeleted:
		return e
	}
	attrs := make(map[string]json.RawMessage, len(e.attrs)+1)
	maps.Copy(attrs, e.attrs)
	attrs[key] = append(json.RawMessage(nil), value...)
	e.attrs = attrs
	return e
}

// Attr returns the raw value of a non-reserved attribute.
func (e Element) Attr(key string) (json.RawMessage, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// WithVersion returns a copy of e at the given version.
func (e Element) WithVersion(version int64) Element {
	e.Version = version
	return e
}

// Tombstoned returns a copy of e marked deleted with every other field kept.
func (e Element) Tombstoned() Element {
	e.IsDeleted = true
	return e
}

func (e Element) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.attrs)+3)
	maps.Copy(out, e.attrs)
	var err error
	if out[keyID], err = json.Marshal(e.ID); err != nil {
		return nil, err
	}
	if out[keyVersion], err = json.Marshal(e.Version); err != nil {
		return nil, err
	}
	if out[keyDeleted], err = json.Marshal(e.IsDeleted); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (e *Element) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Parse decodes a serialized element. The payload must be a JSON object with a
// non-empty string id and an integer version.
func Parse(data []byte) (Element, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Element{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	var e Element
	raw, ok := fields[keyID]
	if !ok {
		return Element{}, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &e.ID); err != nil || e.ID == "" {
		return Element{}, fmt.Errorf("%w: invalid id %s", ErrMalformed, raw)
	}
	raw, ok = fields[keyVersion]
	if !ok {
		return Element{}, fmt.Errorf("%w: missing version for %s", ErrMalformed, e.ID)
	}
	if err := json.Unmarshal(raw, &e.Version); err != nil {
		return Element{}, fmt.Errorf("%w: invalid version %s for %s", ErrMalformed, raw, e.ID)
	}
	if raw, ok = fields[keyDeleted]; ok && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &e.IsDeleted); err != nil {
			return Element{}, fmt.Errorf("%w: invalid isDeleted %s for %s", ErrMalformed, raw, e.ID)
		}
	}
	delete(fields, keyID)
	delete(fields, keyVersion)
	delete(fields, keyDeleted)
	if len(fields) > 0 {
		e.attrs = fields
	}
	return e, nil
}

// ParseList decodes a JSON array of elements.
func ParseList(data []byte) ([]Element, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	elements := make([]Element, 0, len(raws))
	for i, raw := range raws {
		e, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		elements = append(elements, e)
	}
	return elements, nil
}

// Encode serializes e into the string form carried by operations.
func (e Element) Encode() (string, error) {
	buf, err := e.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("encode element %s: %w", e.ID, err)
	}
	return string(buf), nil
}
