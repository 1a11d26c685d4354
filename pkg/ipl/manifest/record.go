// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strconv"

	"github.com/pkg/errors"
)

// TextKey is the field holding the transcript of an utterance.
const TextKey = "text"

// DefaultAudioKey is the field that identifies an utterance's audio, used to match records across manifests.
const DefaultAudioKey = "audio_filepath"

// Record is one utterance of a manifest: a JSON object with arbitrary fields.
//
// Records are immutable: fields are kept as raw JSON and passed through untouched, and the only
// modification, WithText, returns a new Record. A Record read from a file that was never modified
// is written back byte-for-byte.
type Record struct {
	fields map[string]json.RawMessage

	// raw is the original encoding of the record, nil once it is modified.
	raw []byte
}

// ParseRecord parses one manifest line, which must hold a JSON object.
func ParseRecord(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Record{}, errors.Wrapf(err, "failed to parse manifest record %q", truncate(line))
	}
	if fields == nil {
		return Record{}, errors.Errorf("manifest record %q is not a JSON object", truncate(line))
	}
	return Record{fields: fields, raw: bytes.Clone(line)}, nil
}

// NewRecord creates a Record from the given fields, each encoded to JSON.
func NewRecord(fields map[string]any) (Record, error) {
	r := Record{fields: make(map[string]json.RawMessage, len(fields))}
	for key, value := range fields {
		encoded, err := encodeJSON(value)
		if err != nil {
			return Record{}, errors.WithMessagef(err, "field %q", key)
		}
		r.fields[key] = encoded
	}
	return r, nil
}

// Text returns the transcript of the record. The boolean is false if the record has
// no text (missing field or null), in which case the empty string is returned.
func (r Record) Text() (string, bool) {
	raw, found := r.fields[TextKey]
	if !found {
		return "", false
	}
	var text *string
	if err := json.Unmarshal(raw, &text); err != nil || text == nil {
		return "", false
	}
	return *text, true
}

// WithText returns a copy of the record with its text set to the given transcript.
// All other fields are preserved.
func (r Record) WithText(text string) Record {
	encoded, err := encodeJSON(text)
	if err != nil {
		// Encoding a string never fails.
		panic(err)
	}
	fields := make(map[string]json.RawMessage, len(r.fields)+1)
	maps.Copy(fields, r.fields)
	fields[TextKey] = encoded
	return Record{fields: fields}
}

// Field returns the raw JSON value of the given field.
func (r Record) Field(key string) (json.RawMessage, bool) {
	raw, found := r.fields[key]
	return raw, found
}

// String returns the value of a string field, or "" if it's missing or not a string.
func (r Record) String(key string) string {
	var value string
	if raw, found := r.fields[key]; found {
		_ = json.Unmarshal(raw, &value)
	}
	return value
}

// Keys returns the sorted field names of the record.
func (r Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.fields))
}

// Identity returns a canonical encoding of every field except the text, which identifies the
// utterance independently of its transcript: segments of the same audio file differ by their offset
// and duration fields.
func (r Record) Identity() string {
	var buf bytes.Buffer
	for _, key := range r.Keys() {
		if key == TextKey {
			continue
		}
		value, _ := r.Field(key)
		buf.WriteString(strconv.Quote(key))
		buf.WriteByte(':')
		if err := json.Compact(&buf, value); err != nil {
			buf.Write(value)
		}
		buf.WriteByte(',')
	}
	return buf.String()
}

// MarshalJSON implements json.Marshaler. Unmodified records return their original encoding.
func (r Record) MarshalJSON() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	if r.fields == nil {
		return []byte("{}"), nil
	}
	return encodeJSON(r.fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRecord(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// encodeJSON encodes value without HTML escaping, so non-ASCII and markup characters in
// transcripts are kept as they are.
func encodeJSON(value any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, errors.Wrapf(err, "failed to encode %T to JSON", value)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func truncate(line []byte) string {
	const maxLen = 80
	if len(line) <= maxLen {
		return string(line)
	}
	return string(line[:maxLen]) + "..."
}
