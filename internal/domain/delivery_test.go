package domain

import "testing"

func TestDeliveryPayloadRoundTrip(t *testing.T) {
	raw, err := EncodeDeliveryPayload([]string{"https://repo/a", "https://repo/b"}, "how to run it")
	if err != nil {
		t.Fatalf("EncodeDeliveryPayload() error: %v", err)
	}

	got := DecodeDeliveryPayload(raw)
	if len(got.Attachments) != 2 || got.Attachments[0] != "https://repo/a" {
		t.Errorf("Attachments = %v, want two urls", got.Attachments)
	}
	if got.Notes != "how to run it" {
		t.Errorf("Notes = %q, want %q", got.Notes, "how to run it")
	}
	if got.LegacyText != "" {
		t.Errorf("LegacyText = %q, want empty for tagged payload", got.LegacyText)
	}
}

func TestDecodeDeliveryPayload_Legacy(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain text", "see the attached zip"},
		{"untagged json object", `{"attachments":["x"]}`},
		{"wrong tag", `{"schema":"somebody_elses_v9","notes":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeDeliveryPayload(tt.raw)
			if got.LegacyText != tt.raw {
				t.Errorf("LegacyText = %q, want raw payload back", got.LegacyText)
			}
			if len(got.Attachments) != 0 || got.Notes != "" {
				t.Errorf("tagged fields populated for legacy payload: %+v", got)
			}
		})
	}
}

func TestDecodeDeliveryPayload_Empty(t *testing.T) {
	got := DecodeDeliveryPayload("")
	if got.LegacyText != "" || got.Notes != "" || len(got.Attachments) != 0 {
		t.Errorf("DecodeDeliveryPayload(\"\") = %+v, want zero submission", got)
	}
}
