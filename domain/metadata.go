package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MetadataVersion is the current layout of Metadata's known fields.
const MetadataVersion = 1

// Metadata replaces free-form JSON columns with a fixed set of known fields
// plus an opaque bag for keys written by newer producers.
type Metadata struct {
	Version  int
	Source   string
	Strategy string
	Tags     []string
	Notes    string

	// Extensions keeps unknown keys verbatim so a round trip loses nothing.
	Extensions map[string]json.RawMessage
}

var knownMetadataKeys = map[string]struct{}{
	"version": {}, "source": {}, "strategy": {}, "tags": {}, "notes": {},
}

type metadataWire struct {
	Version  int      `json:"version"`
	Source   string   `json:"source,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Notes    string   `json:"notes,omitempty"`
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool {
	return m.Version == 0 && m.Source == "" && m.Strategy == "" &&
		len(m.Tags) == 0 && m.Notes == "" && len(m.Extensions) == 0
}

// Set stores an extension value under key. Known keys are rejected.
func (m *Metadata) Set(key string, v any) error {
	if _, ok := knownMetadataKeys[key]; ok {
		return errors.Wrapf(ErrInvalidInput, "metadata key %q is reserved", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "metadata %q", key)
	}
	if m.Extensions == nil {
		m.Extensions = make(map[string]json.RawMessage)
	}
	m.Extensions[key] = raw
	return nil
}

// Get decodes an extension value into out. It reports false when the key
// is absent.
func (m Metadata) Get(key string, out any) (bool, error) {
	raw, ok := m.Extensions[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	version := m.Version
	if version == 0 {
		version = MetadataVersion
	}
	known, err := json.Marshal(metadataWire{
		Version:  version,
		Source:   m.Source,
		Strategy: m.Strategy,
		Tags:     m.Tags,
		Notes:    m.Notes,
	})
	if err != nil || len(m.Extensions) == 0 {
		return known, err
	}

	out := make(map[string]json.RawMessage, len(m.Extensions)+5)
	if err := json.Unmarshal(known, &out); err != nil {
		return nil, err
	}
	for k, v := range m.Extensions {
		if _, reserved := knownMetadataKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var w metadataWire
	if err := json.Unmarshal(b, &w); err != nil {
		return errors.Wrap(err, "metadata")
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return errors.Wrap(err, "metadata")
	}

	*m = Metadata{
		Version:  w.Version,
		Source:   w.Source,
		Strategy: w.Strategy,
		Tags:     w.Tags,
		Notes:    w.Notes,
	}
	for k, v := range all {
		if _, ok := knownMetadataKeys[k]; ok {
			continue
		}
		if m.Extensions == nil {
			m.Extensions = make(map[string]json.RawMessage)
		}
		m.Extensions[k] = v
	}
	return nil
}
