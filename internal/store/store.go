// ABOUTME: Store interface and data types for w2w-gateway persistence
// ABOUTME: Defines Contact, Session, Message, Business structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateOpenSession is returned when trying to create a second open
// session for a contact that already has one
var ErrDuplicateOpenSession = errors.New("contact already has an open session")

// ErrDuplicateMessage is returned when a message with the same WhatsApp
// message id has already been stored
var ErrDuplicateMessage = errors.New("message already exists")

// ErrSessionClosed is returned when attempting to mutate a session that has
// already been closed
var ErrSessionClosed = errors.New("session is not open")

// Session status values. A session is either open or closed; closed sessions
// carry the reason they ended.
const (
	SessionStatusOpen         = "open"
	SessionStatusCompleted    = "completed"
	SessionStatusTimedOut     = "timed_out"
	SessionStatusClosedByUser = "closed_by_user"
)

// Message direction values
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message delivery status values, mirroring the WhatsApp status callbacks
const (
	MessageStatusReceived  = "received"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// Contact represents a WhatsApp conversational party, keyed by the
// platform-assigned wa_id. The display name is best-effort and may be
// "Unknown" until the platform sends a profile hint.
type Contact struct {
	ID          string
	WaID        string
	PhoneNumber string
	Name        string
	BusinessID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session represents one conversation with a contact. At most one session
// per contact has status "open" at any time; the store enforces this with a
// partial unique index.
type Session struct {
	ID           string
	ContactID    string
	BusinessID   *string
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      *time.Time
	Status       string
	Context      string // summary of the conversation, populated at close
}

// Open reports whether the session is still accepting messages.
func (s *Session) Open() bool {
	return s.Status == SessionStatusOpen
}

// Message is one directional unit of conversation content. WaMessageID is
// the platform-assigned id and serves as the idempotency key for webhook
// redelivery.
type Message struct {
	ID          string
	WaMessageID string
	ContactID   string
	SessionID   string
	Direction   string
	Kind        string // WhatsApp message type tag: "text", "image", "audio", ...
	Content     string
	Status      string
	Timestamp   time.Time // provider timestamp
	CreatedAt   time.Time
	AIProcessed bool
	AIResponse  string
}

// Business represents a tenant whose WhatsApp traffic is routed through the
// gateway. SystemPrompt, when set, replaces the default AI system context for
// conversations scoped to the business.
type Business struct {
	ID           string
	Name         string
	Description  string
	BusinessType string
	Address      string
	Phone        string
	Email        string
	Website      string
	SystemPrompt string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store defines the interface for contact, session, message and business
// persistence
type Store interface {
	// Contacts
	CreateContact(ctx context.Context, contact *Contact) error
	GetContactByWaID(ctx context.Context, waID string) (*Contact, error)
	UpdateContact(ctx context.Context, contact *Contact) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetOpenSession(ctx context.Context, contactID string) (*Session, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, status string, endedAt time.Time, summary string) error
	CloseExpiredSessions(ctx context.Context, cutoff time.Time, endedAt time.Time) (int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessageByWaID(ctx context.Context, waMessageID string) (*Message, error)
	UpdateMessageStatus(ctx context.Context, waMessageID string, status string) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Businesses
	CreateBusiness(ctx context.Context, business *Business) error
	GetBusiness(ctx context.Context, id string) (*Business, error)
	ListBusinesses(ctx context.Context, activeOnly bool) ([]*Business, error)

	// Close releases any resources held by the store
	Close() error
}
