// Package jsonx routes all JSON encoding through Sonic.
// Queue envelopes, event payloads, and persisted attributes share one
// configuration so producers and consumers agree byte-for-byte.
package jsonx

import (
	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	EscapeHTML: false,
	UseInt64:   true,
}.Froze()

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal parses data into the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// MarshalToString is Marshal without the []byte to string copy.
func MarshalToString(v interface{}) (string, error) {
	return api.MarshalToString(v)
}

// UnmarshalFromString parses a JSON string into v.
func UnmarshalFromString(data string, v interface{}) error {
	return api.UnmarshalFromString(data, v)
}

// MarshalIndent returns the encoding of v with two-space indentation.
// Used on human-facing paths only (debug endpoints, CLI output).
func MarshalIndent(v interface{}) ([]byte, error) {
	return sonic.MarshalIndent(v, "", "  ")
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}
