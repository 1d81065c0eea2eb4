package frame

import (
	"errors"
	"testing"
)

func TestParseRejectsInvalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "not json", `["a"]`, `{"a":`, "42"} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidData) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidData", raw, err)
		}
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		text        string
		final       bool
		response    bool
		serverError bool
		code        int
		hasCode     bool
	}{
		{"partial transcription", `{"text":"turn on","type":"PARTIAL_TRANSCRIPTION"}`, "turn on", false, false, false, 0, false},
		{"final transcription", `{"text":"turn on the lights","type":"FINAL_TRANSCRIPTION"}`, "turn on the lights", true, false, false, 0, false},
		{"is_final flag", `{"text":"hi","is_final":true}`, "hi", true, false, false, 0, false},
		{"understanding", `{"text":"hi","intents":[],"entities":{},"traits":{}}`, "hi", false, true, false, 0, false},
		{"final understanding", `{"text":"hi","intents":[{"name":"greet"}],"type":"FINAL_UNDERSTANDING"}`, "hi", true, true, false, 0, false},
		{"traits only", `{"traits":{"wit$sentiment":[]}}`, "", false, true, false, 0, false},
		{"error numeric code", `{"error":"Bad auth","code":401}`, "", false, false, true, 401, true},
		{"error string code", `{"error":"Bad auth","code":"no-auth"}`, "", false, false, true, 0, false},
		{"error no code", `{"error":"boom"}`, "", false, false, true, 0, false},
		{"null error", `{"error":null,"text":"x"}`, "x", false, false, false, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if f.Transcription() != tt.text {
				t.Errorf("Transcription() = %q, want %q", f.Transcription(), tt.text)
			}
			if f.IsFinal() != tt.final {
				t.Errorf("IsFinal() = %v, want %v", f.IsFinal(), tt.final)
			}
			if f.HasResponseData() != tt.response {
				t.Errorf("HasResponseData() = %v, want %v", f.HasResponseData(), tt.response)
			}
			_, code, hasCode, ok := f.ServerError()
			if ok != tt.serverError || code != tt.code || hasCode != tt.hasCode {
				t.Errorf("ServerError() = (%d, %v, %v), want (%d, %v, %v)", code, hasCode, ok, tt.code, tt.hasCode, tt.serverError)
			}
		})
	}
}

func TestServerErrorMessage(t *testing.T) {
	f, err := Parse(`{"error":"Bad auth","code":"no-auth"}`)
	if err != nil {
		t.Fatal(err)
	}
	msg, _, _, _ := f.ServerError()
	if msg != "Bad auth (no-auth)" {
		t.Errorf("msg = %q", msg)
	}
}

func TestDecode(t *testing.T) {
	f, err := Parse(`{"intents":[{"name":"lights_on","confidence":0.98}]}`)
	if err != nil {
		t.Fatal(err)
	}
	var intents []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	}
	if err := f.Decode("intents", &intents); err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 || intents[0].Name != "lights_on" {
		t.Errorf("intents = %+v", intents)
	}
	if err := f.Decode("missing", &intents); err == nil {
		t.Error("expected error for missing field")
	}
}
