package contracts

// ContentTypeJSON is the content type of every encoded payload
const ContentTypeJSON = "application/json"

// Envelope wraps an encoded payload for transport
type Envelope struct {
	Body          []byte                 `json:"body"`
	ContentType   string                 `json:"contentType,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Persistent    bool                   `json:"persistent"`
	Priority      uint8                  `json:"priority,omitempty"`
	Expiration    string                 `json:"expiration,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
}

// NewEnvelope returns an envelope with the default delivery settings: JSON
// content, persistent delivery.
func NewEnvelope(body []byte) Envelope {
	return Envelope{
		Body:        body,
		ContentType: ContentTypeJSON,
		Persistent:  true,
	}
}

// IsRequest reports whether the envelope expects a correlated reply
func (e Envelope) IsRequest() bool {
	return e.CorrelationID != "" && e.ReplyTo != ""
}
