package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nikhilbhutani/promptplane/internal/models"
)

// Persisted JSON columns are decoded and validated here so that no layer above
// trusts stored structured data as implicitly well-formed.

func EncodeParams(p models.Params) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func DecodeParams(data []byte) (models.Params, error) {
	var p models.Params
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return models.Params{}, fmt.Errorf("decode params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return models.Params{}, fmt.Errorf("stored params: %w", err)
	}
	return p, nil
}

func EncodeTemplates(t models.Templates) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal templates: %w", err)
	}
	return data, nil
}

func DecodeTemplates(data []byte) (models.Templates, error) {
	var t models.Templates
	if len(strings.TrimSpace(string(data))) == 0 {
		return t, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&t); err != nil {
		return models.Templates{}, fmt.Errorf("decode templates: %w", err)
	}
	return t, nil
}

func EncodeStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return data, nil
}

func DecodeStrings(data []byte) ([]string, error) {
	out := []string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	for _, v := range out {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("decode string list: blank entry")
		}
	}
	return out, nil
}

// RawOrNull returns a JSON null literal for empty payloads.
func RawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

// NullableRaw maps a stored JSON null back to an empty payload.
func NullableRaw(data []byte) json.RawMessage {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return nil
	}
	return json.RawMessage(data)
}
