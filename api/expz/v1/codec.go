package expzv1

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts any JSON-encodable value whose encoding is an object.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

// Wire messages carried inside the Struct payloads.
type (
	FetchRequest struct {
		User     json.RawMessage `json:"user"`
		FlagKeys []string        `json:"flag_keys,omitempty"`
	}

	FlagsRequest struct {
		FlagKeys []string `json:"flag_keys,omitempty"`
	}

	VariantsMessage struct {
		Variants  json.RawMessage `json:"variants,omitempty"`
		Keepalive bool            `json:"keepalive,omitempty"`
	}

	FlagsMessage struct {
		Flags     json.RawMessage `json:"flags,omitempty"`
		Keepalive bool            `json:"keepalive,omitempty"`
	}
)
