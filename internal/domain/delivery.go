package domain

import "encoding/json"

// ─── Delivery Payload ───────────────────────────────────────────────────────
// A delivery is stored as a tagged, versioned JSON document. Decoding
// matches on the schema tag; anything without a recognized tag is the
// legacy plain-text variant kept for records written before the tag
// existed.

// DeliverySchemaV2 tags the current payload layout.
const DeliverySchemaV2 = "tomoyo_delivery_v2"

type deliveryEnvelope struct {
	Schema      string   `json:"schema"`
	Attachments []string `json:"attachments"`
	Notes       string   `json:"notes"`
}

// DeliverySubmission is the decoded form of a stored delivery payload.
// Exactly one of (Attachments/Notes) or LegacyText carries content.
type DeliverySubmission struct {
	Attachments []string `json:"attachments"`
	Notes       string   `json:"notes,omitempty"`
	LegacyText  string   `json:"legacy_text,omitempty"`
}

// EncodeDeliveryPayload serializes a delivery in the current schema.
func EncodeDeliveryPayload(attachments []string, notes string) (string, error) {
	if attachments == nil {
		attachments = []string{}
	}
	raw, err := json.Marshal(deliveryEnvelope{
		Schema:      DeliverySchemaV2,
		Attachments: attachments,
		Notes:       notes,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeDeliveryPayload parses a stored payload by its schema tag.
// An empty payload decodes to the zero submission; a payload without a
// recognized tag is returned verbatim as LegacyText.
func DecodeDeliveryPayload(raw string) DeliverySubmission {
	if raw == "" {
		return DeliverySubmission{Attachments: []string{}}
	}

	var env deliveryEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Schema == DeliverySchemaV2 {
		attachments := env.Attachments
		if attachments == nil {
			attachments = []string{}
		}
		return DeliverySubmission{Attachments: attachments, Notes: env.Notes}
	}

	return DeliverySubmission{Attachments: []string{}, LegacyText: raw}
}
