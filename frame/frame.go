package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrInvalidData = errors.New("invalid data from server")

const (
	TypePartialTranscription = "PARTIAL_TRANSCRIPTION"
	TypeFinalTranscription   = "FINAL_TRANSCRIPTION"
	TypePartialUnderstanding = "PARTIAL_UNDERSTANDING"
	TypeFinalUnderstanding   = "FINAL_UNDERSTANDING"
)

var responseKeys = []string{"intents", "entities", "traits"}

// Frame is one decoded response document. Only the top level is decoded; nested
// values stay raw until a caller asks for them.
type Frame struct {
	Raw    string
	fields map[string]json.RawMessage
}

func Parse(raw string) (*Frame, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidData)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return &Frame{Raw: raw, fields: fields}, nil
}

func (f *Frame) Has(key string) bool {
	_, ok := f.fields[key]
	return ok
}

func (f *Frame) String(key string) string {
	raw, ok := f.fields[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func (f *Frame) Bool(key string) bool {
	raw, ok := f.fields[key]
	if !ok {
		return false
	}
	var b bool
	return json.Unmarshal(raw, &b) == nil && b
}

// Decode unmarshals a top-level field into v.
func (f *Frame) Decode(key string, v any) error {
	raw, ok := f.fields[key]
	if !ok {
		return fmt.Errorf("field %q not present", key)
	}
	return json.Unmarshal(raw, v)
}

// HasResponseData reports whether the frame carries understanding results.
func (f *Frame) HasResponseData() bool {
	for _, k := range responseKeys {
		if f.Has(k) {
			return true
		}
	}
	return false
}

func (f *Frame) Type() string { return f.String("type") }

func (f *Frame) Transcription() string { return f.String("text") }

func (f *Frame) IsFinal() bool {
	switch f.Type() {
	case TypeFinalTranscription, TypeFinalUnderstanding:
		return true
	}
	return f.Bool("is_final")
}

// ServerError returns the message of an embedded error field and the server status
// code when one is present and numeric.
func (f *Frame) ServerError() (msg string, code int, hasCode bool, ok bool) {
	raw, present := f.fields["error"]
	if !present || string(raw) == "null" {
		return "", 0, false, false
	}
	if json.Unmarshal(raw, &msg) != nil {
		msg = string(raw)
	}
	if c, present := f.fields["code"]; present {
		if n, err := strconv.Atoi(string(bytes.Trim(c, `"`))); err == nil {
			code, hasCode = n, true
		} else if s := string(bytes.Trim(c, `"`)); s != "" {
			msg = fmt.Sprintf("%s (%s)", msg, s)
		}
	}
	return msg, code, hasCode, true
}
