// ABOUTME: WhatsApp Cloud API webhook envelope and send-message payload types
// ABOUTME: Message kinds are a tagged variant: Type plus a typed payload pointer

package whatsapp

// WebhookEvent is the top-level webhook envelope delivered by the platform.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one WhatsApp business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one field-scoped payload; message traffic arrives with
// Field == "messages".
type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

// Value holds the metadata, contact hints, inbound messages and status
// updates of one change.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the receiving phone number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is a profile hint mapping a wa_id to a display name.
type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

// Profile carries the sender's self-assigned display name.
type Profile struct {
	Name string `json:"name"`
}

// Message is one inbound message. Type tags the variant and exactly one of
// the payload pointers is set; unhandled kinds keep Type for logging.
type Message struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"` // unix seconds, as a string
	Type      string     `json:"type"`
	Text      *TextBody  `json:"text,omitempty"`
	Image     *MediaBody `json:"image,omitempty"`
	Audio     *MediaBody `json:"audio,omitempty"`
	Document  *MediaBody `json:"document,omitempty"`
}

// TextBody is the payload of a text message.
type TextBody struct {
	Body string `json:"body"`
}

// MediaBody is the payload shared by media message kinds.
type MediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// Status is a delivery status update for a previously sent message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// SendMessageRequest is the outbound payload for the message-send API.
type SendMessageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             TextBody `json:"text"`
}

// SendMessageResponse is the successful response of the message-send API;
// Messages carries the platform-assigned id of the outbound message.
type SendMessageResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// subscribeMode is the fixed hub.mode value of the verification handshake.
const subscribeMode = "subscribe"

// VerifyToken reports whether a webhook verification request is valid:
// mode must be the fixed subscribe string and token must match the
// configured verify token.
func VerifyToken(mode, token, configured string) bool {
	return mode == subscribeMode && token == configured
}
