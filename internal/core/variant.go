package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

var ErrUnsupportedVariant = errors.New("unsupported variant encoding")

type Variant struct {
	Key      string         `json:"key,omitempty"`
	Value    string         `json:"value,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// storedVariant covers the v1 ({value, payload}) and v2 ({key, value, payload,
// expKey, metadata}) object encodings.
type storedVariant struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Payload  any             `json:"payload"`
	ExpKey   string          `json:"expKey"`
	Metadata map[string]any  `json:"metadata"`
}

// DecodeVariant normalises every stored variant encoding into a Variant. A bare
// JSON string is both the key and the value.
func DecodeVariant(data []byte) (Variant, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Variant{}, nil
	}

	switch data[0] {
	case '"':
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return Variant{}, fmt.Errorf("decode variant string: %w", err)
		}
		return Variant{Key: value, Value: value}, nil
	case '{':
	default:
		return Variant{}, fmt.Errorf("decode variant: %w", ErrUnsupportedVariant)
	}

	var stored storedVariant
	if err := json.Unmarshal(data, &stored); err != nil {
		return Variant{}, fmt.Errorf("decode variant object: %w", err)
	}

	value, err := decodeVariantValue(stored.Value)
	if err != nil {
		return Variant{}, err
	}

	variant := Variant{
		Key:      stored.Key,
		Value:    value,
		Payload:  stored.Payload,
		Metadata: stored.Metadata,
	}
	if variant.Key == "" {
		variant.Key = variant.Value
	}
	if stored.ExpKey != "" {
		if _, ok := variant.Metadata["experimentKey"]; !ok {
			variant.Metadata = maps.Clone(variant.Metadata)
			if variant.Metadata == nil {
				variant.Metadata = map[string]any{}
			}
			variant.Metadata["experimentKey"] = stored.ExpKey
		}
	}

	return variant, nil
}

func decodeVariantValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return "", fmt.Errorf("decode variant value: %w", err)
		}
		return value, nil
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return "", fmt.Errorf("decode variant value: %w", err)
	}
	return compacted.String(), nil
}

func (v *Variant) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeVariant(data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func (v Variant) IsZero() bool {
	return v.Key == "" && v.Value == "" && v.Payload == nil && len(v.Metadata) == 0
}

func (v Variant) IsDefault() bool {
	isDefault, _ := v.Metadata["default"].(bool)
	return isDefault
}

func (v Variant) ExperimentKey() string {
	key, _ := v.Metadata["experimentKey"].(string)
	return key
}

// target is the shape later flags see under result.<flagKey>.
func (v Variant) target() map[string]any {
	out := make(map[string]any, 4)
	if v.Key != "" {
		out["key"] = v.Key
	}
	if v.Value != "" {
		out["value"] = v.Value
	}
	if v.Payload != nil {
		out["payload"] = v.Payload
	}
	if v.Metadata != nil {
		out["metadata"] = v.Metadata
	}
	return out
}
