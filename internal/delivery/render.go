package delivery

import (
	"encoding/json"
	"fmt"
	"strings"

	"careflow/internal/models"
)

// ValidationError marks malformed step content. It is a permanent failure:
// the job dead-letters instead of retrying.
type ValidationError struct {
	MessageType string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.MessageType, e.Reason)
}

// TextPayload is the content of a text step.
type TextPayload struct {
	Text string `json:"text"`
}

// ImagePayload carries either already-hosted URLs or a source URL that the
// media preparer turns into hosted ones before sending.
type ImagePayload struct {
	ImageURL   string `json:"image_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	SourceURL  string `json:"source_url,omitempty"`
}

// LinkPayload is a text message with an attached action URL.
type LinkPayload struct {
	Text  string `json:"text"`
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
}

// FlexPayload wraps a provider-native rich message document.
type FlexPayload struct {
	AltText  string          `json:"alt_text"`
	Contents json.RawMessage `json:"contents"`
}

// Render validates a step's content payload against its message type and
// produces the provider message JSON. Validation happens exactly once here;
// everything downstream handles an already-valid message.
//
// Image steps that still carry a source_url must go through the media
// preparer first; Render rejects them so an unprepared image never reaches
// the provider.
func Render(step models.ProtocolStep) (json.RawMessage, error) {
	switch step.MessageType {
	case models.MessageText:
		var p TextPayload
		if err := strictDecode(step.ContentPayload, &p); err != nil {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: err.Error()}
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "text is required"}
		}
		return marshalMessage("text", p)

	case models.MessageImage:
		var p ImagePayload
		if err := strictDecode(step.ContentPayload, &p); err != nil {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: err.Error()}
		}
		if p.ImageURL == "" || p.PreviewURL == "" {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "image_url and preview_url are required"}
		}
		if !strings.HasPrefix(p.ImageURL, "https://") || !strings.HasPrefix(p.PreviewURL, "https://") {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "image urls must be https"}
		}
		return marshalMessage("image", ImagePayload{ImageURL: p.ImageURL, PreviewURL: p.PreviewURL})

	case models.MessageLink:
		var p LinkPayload
		if err := strictDecode(step.ContentPayload, &p); err != nil {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: err.Error()}
		}
		if strings.TrimSpace(p.Text) == "" || strings.TrimSpace(p.URL) == "" {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "text and url are required"}
		}
		return marshalMessage("link", p)

	case models.MessageFlex:
		var p FlexPayload
		if err := strictDecode(step.ContentPayload, &p); err != nil {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: err.Error()}
		}
		if strings.TrimSpace(p.AltText) == "" {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "alt_text is required"}
		}
		if len(p.Contents) == 0 || string(p.Contents) == "null" {
			return nil, &ValidationError{MessageType: step.MessageType, Reason: "contents is required"}
		}
		return marshalMessage("flex", p)

	default:
		return nil, &ValidationError{MessageType: step.MessageType, Reason: "unknown message type"}
	}
}

func strictDecode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func marshalMessage(msgType string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("reshape message: %w", err)
	}
	m["type"] = json.RawMessage(fmt.Sprintf("%q", msgType))
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return out, nil
}
