package service

import (
	"encoding/json"
	"errors"
	"testing"
)

func FuzzDecodeUser(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte(`{"user_id":"u"}`))
	f.Add([]byte(`{"user_properties":{"plan":"pro"},"groups":{"org":["acme"]}}`))
	f.Add([]byte(`{"user_id":`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, payload []byte) {
		_, err := DecodeUser(payload)
		if len(payload) == 0 && err != nil {
			t.Fatalf("DecodeUser(empty) error = %v, want nil", err)
		}
		if err != nil && !errors.Is(err, ErrInvalidUser) {
			t.Fatalf("DecodeUser(%q) error = %v, want ErrInvalidUser-wrapped error", payload, err)
		}
	})
}

func FuzzNormalizeFlagKeys(f *testing.F) {
	f.Add("a", "b")
	f.Add(" ", "")
	f.Add("a", " a ")

	f.Fuzz(func(t *testing.T, first, second string) {
		keys, err := NormalizeFlagKeys([]string{first, second})
		if err != nil {
			if !errors.Is(err, ErrInvalidFlagKeys) {
				t.Fatalf("NormalizeFlagKeys() error = %v, want ErrInvalidFlagKeys", err)
			}
			return
		}
		seen := map[string]bool{}
		for _, key := range keys {
			if key == "" || seen[key] {
				t.Fatalf("NormalizeFlagKeys() = %q, want unique non-empty keys", keys)
			}
			seen[key] = true
		}
	})
}

func FuzzDecodeSnapshot(f *testing.F) {
	f.Add("flag", []byte(`{"key":"flag","segments":[]}`))
	f.Add("flag", []byte(`{}`))
	f.Add("flag", []byte(`{"key":`))

	f.Fuzz(func(t *testing.T, key string, raw []byte) {
		flags, err := decodeSnapshot(map[string]json.RawMessage{key: raw})
		if err != nil {
			return
		}
		if len(flags) != 1 {
			t.Fatalf("decodeSnapshot() = %d flags, want 1", len(flags))
		}
	})
}
