// ABOUTME: Message Router - single entry point for inbound WhatsApp events
// ABOUTME: Resolves contact and session, persists messages, drives the AI reply flow

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whats2want/w2w-gateway/internal/ai"
	"github.com/whats2want/w2w-gateway/internal/dedupe"
	"github.com/whats2want/w2w-gateway/internal/session"
	"github.com/whats2want/w2w-gateway/internal/store"
	"github.com/whats2want/w2w-gateway/internal/whatsapp"
)

// unknownName is the placeholder display name used until the platform sends
// a profile hint for the contact.
const unknownName = "Unknown"

// User-facing notices sent by the session closure flow.
const (
	noticeNoActiveSession = "No tienes ninguna sesión activa en este momento."
	noticeSessionClosed   = "Tu sesión ha sido cerrada. ¡Gracias por escribirnos!"
)

// RouterStore defines what the router needs from storage
type RouterStore interface {
	CreateContact(ctx context.Context, contact *store.Contact) error
	GetContactByWaID(ctx context.Context, waID string) (*store.Contact, error)
	UpdateContact(ctx context.Context, contact *store.Contact) error

	GetOpenSession(ctx context.Context, contactID string) (*store.Session, error)

	SaveMessage(ctx context.Context, msg *store.Message) error
	UpdateMessageStatus(ctx context.Context, waMessageID string, status string) error
	GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error)

	GetBusiness(ctx context.Context, id string) (*store.Business, error)
}

// Sender delivers outbound text to the messaging platform
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Status classifies the outcome of one routed event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusIgnored Status = "ignored"
)

// Result is the structured outcome surfaced to the webhook layer. The
// webhook always acknowledges the platform regardless of Status; Result
// exists for logging and tests, not for retries.
type Result struct {
	Status Status
	Detail string
}

func success(detail string) Result { return Result{Status: StatusSuccess, Detail: detail} }
func failure(detail string) Result { return Result{Status: StatusError, Detail: detail} }
func ignored(detail string) Result { return Result{Status: StatusIgnored, Detail: detail} }

// Config is the static routing configuration snapshot.
type Config struct {
	// ExitCommands end the session when sent verbatim (case-insensitive).
	ExitCommands []string

	// HistoryLimit is the number of exchanges fed to the AI as context;
	// twice as many raw messages are fetched (one user and one assistant
	// turn per exchange).
	HistoryLimit int

	// TranscriptLimit caps the messages summarized at session close.
	TranscriptLimit int
}

// Router transforms one inbound provider message into durable records and,
// for text messages, an AI-generated reply.
type Router struct {
	store     RouterStore
	sessions  *session.Manager
	responder ai.Responder
	sender    Sender
	seen      *dedupe.Cache
	cfg       Config
	logger    *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// New creates a message router. The dedupe cache may be nil; the store's
// unique message key still guarantees idempotency without it.
func New(s RouterStore, sessions *session.Manager, responder ai.Responder, sender Sender, seen *dedupe.Cache, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:     s,
		sessions:  sessions,
		responder: responder,
		sender:    sender,
		seen:      seen,
		cfg:       cfg,
		logger:    logger.With("component", "router"),
		now:       time.Now,
	}
}

// HandleInbound processes one inbound message end-to-end: contact and
// session resolution, exit-command detection, idempotent persistence, AI
// reply and delivery. Failures are contained here and reported through the
// Result; the webhook layer always acknowledges the platform.
func (r *Router) HandleInbound(ctx context.Context, msg whatsapp.Message, meta whatsapp.Metadata, contacts []whatsapp.Contact, businessID string) Result {
	if msg.From == "" || msg.ID == "" {
		r.logger.Error("malformed inbound message", "from", msg.From, "wa_message_id", msg.ID)
		return failure("malformed message: missing sender or message id")
	}

	logger := r.logger.With("wa_id", msg.From, "wa_message_id", msg.ID, "type", msg.Type,
		"phone_number_id", meta.PhoneNumberID)

	// Redelivery fast path. The store's unique wa_message_id key is the
	// real idempotency guarantee; this just skips the pipeline early. The id
	// is marked only once the message is durably handled, so a delivery that
	// failed mid-pipeline stays eligible for retry.
	if r.seen != nil && r.seen.Contains(msg.ID) {
		logger.Debug("duplicate webhook delivery skipped")
		return success("duplicate delivery skipped")
	}

	timestamp := r.parseTimestamp(msg.Timestamp)
	name := displayName(contacts, msg.From)

	business := r.resolveBusiness(ctx, businessID, logger)
	var contactBusinessID *string
	if business != nil {
		contactBusinessID = &business.ID
	}

	contact, err := r.resolveContact(ctx, msg.From, name, contactBusinessID)
	if err != nil {
		logger.Error("resolving contact failed", "error", err)
		return failure(fmt.Sprintf("resolving contact: %v", err))
	}

	// Opportunistic sweep piggybacked on message arrival; the background
	// sweeper remains the mandatory closing path.
	if _, err := r.sessions.SweepExpired(ctx); err != nil {
		logger.Warn("piggybacked session sweep failed", "error", err)
	}

	sess, err := r.sessions.GetOrCreateActive(ctx, contact.ID, contactBusinessID)
	if err != nil {
		logger.Error("resolving session failed", "error", err)
		return failure(fmt.Sprintf("resolving session: %v", err))
	}
	if err := r.sessions.RefreshActivity(ctx, sess.ID); err != nil {
		logger.Warn("refreshing session activity failed", "error", err, "session_id", sess.ID)
	}

	if msg.Type == "text" && msg.Text != nil && r.isExitCommand(msg.Text.Body) {
		// The command itself is not persisted; closure handles everything.
		result := r.CloseSessionForContact(ctx, msg.From)
		if result.Status != StatusError {
			r.markHandled(msg.ID)
		}
		return result
	}

	content, isText := messageContent(msg)
	inbound := &store.Message{
		ID:          uuid.New().String(),
		WaMessageID: msg.ID,
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   store.DirectionInbound,
		Kind:        msg.Type,
		Content:     content,
		Status:      store.MessageStatusReceived,
		Timestamp:   timestamp,
		CreatedAt:   r.now(),
	}
	if err := r.store.SaveMessage(ctx, inbound); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			logger.Debug("message already stored, skipping")
			r.markHandled(msg.ID)
			return success("duplicate message skipped")
		}
		logger.Error("persisting inbound message failed", "error", err)
		return failure(fmt.Sprintf("persisting message: %v", err))
	}
	r.markHandled(msg.ID)

	if !isText {
		logger.Info("stored non-text message, no reply generated")
		return success("non-text message stored")
	}

	return r.reply(ctx, logger, contact, sess, business, inbound)
}

// reply builds the bounded session history, asks the AI for the next turn
// and delivers it. An AI failure degrades to the static fallback so the
// user always receives a response; a delivery failure is logged but does
// not roll back anything already persisted.
func (r *Router) reply(ctx context.Context, logger *slog.Logger, contact *store.Contact, sess *store.Session, business *store.Business, inbound *store.Message) Result {
	history, err := r.sessionHistory(ctx, sess.ID, inbound.WaMessageID)
	if err != nil {
		logger.Error("loading session history failed", "error", err)
		history = nil
	}

	prompt := ai.Prompt{
		History:     history,
		UserMessage: inbound.Content,
	}
	if business != nil && business.SystemPrompt != "" {
		prompt.SystemContext = business.SystemPrompt
	}

	replyText, err := r.responder.GenerateReply(ctx, prompt)
	if err != nil {
		logger.Error("AI reply generation failed", "error", err)
		replyText = ai.FallbackReply
	}

	waMessageID, sendErr := r.sender.SendText(ctx, contact.WaID, replyText)
	outStatus := store.MessageStatusSent
	if sendErr != nil {
		logger.Error("delivering reply failed", "error", sendErr)
		outStatus = store.MessageStatusFailed
	}
	if waMessageID == "" {
		waMessageID = uuid.New().String()
	}

	now := r.now()
	outbound := &store.Message{
		ID:          uuid.New().String(),
		WaMessageID: waMessageID,
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   store.DirectionOutbound,
		Kind:        "text",
		Content:     replyText,
		Status:      outStatus,
		Timestamp:   now,
		CreatedAt:   now,
		AIProcessed: true,
		AIResponse:  replyText,
	}
	if err := r.store.SaveMessage(ctx, outbound); err != nil {
		logger.Error("persisting reply failed", "error", err)
		return failure(fmt.Sprintf("persisting reply: %v", err))
	}

	if sendErr != nil {
		return failure(fmt.Sprintf("delivering reply: %v", sendErr))
	}
	return success("reply sent")
}

// markHandled records the delivery in the dedupe cache. Only durably handled
// messages are marked; a failed pipeline leaves the id unmarked so the
// platform's redelivery gets retried.
func (r *Router) markHandled(waMessageID string) {
	if r.seen != nil {
		r.seen.Mark(waMessageID)
	}
}

// HandleStatusUpdate advances a stored message's delivery status. Status
// updates for unknown message ids are logged and ignored; the platform
// also reports on messages the gateway never stored.
func (r *Router) HandleStatusUpdate(ctx context.Context, status whatsapp.Status) Result {
	logger := r.logger.With("wa_message_id", status.ID, "status", status.Status)

	switch status.Status {
	case store.MessageStatusSent, store.MessageStatusDelivered, store.MessageStatusRead, store.MessageStatusFailed:
	default:
		logger.Warn("unknown delivery status, ignoring")
		return ignored("unknown delivery status")
	}

	err := r.store.UpdateMessageStatus(ctx, status.ID, status.Status)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("status update for unknown message, ignoring")
		return ignored("unknown message id")
	}
	if err != nil {
		logger.Error("updating message status failed", "error", err)
		return failure(fmt.Sprintf("updating status: %v", err))
	}

	logger.Debug("message status updated")
	return success("status updated")
}

// CloseSessionForContact runs the user-triggered closure flow: summarize
// the open session's recent transcript, close it as closed_by_user, and
// confirm to the contact.
func (r *Router) CloseSessionForContact(ctx context.Context, waID string) Result {
	logger := r.logger.With("wa_id", waID)

	contact, err := r.store.GetContactByWaID(ctx, waID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("closure requested for unknown contact")
		return ignored("contact not found")
	}
	if err != nil {
		logger.Error("looking up contact failed", "error", err)
		return failure(fmt.Sprintf("looking up contact: %v", err))
	}

	sess, err := r.store.GetOpenSession(ctx, contact.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("closure requested with no open session")
		if _, sendErr := r.sender.SendText(ctx, waID, noticeNoActiveSession); sendErr != nil {
			logger.Error("sending no-session notice failed", "error", sendErr)
		}
		return success("no active session")
	}
	if err != nil {
		logger.Error("looking up open session failed", "error", err)
		return failure(fmt.Sprintf("looking up session: %v", err))
	}

	messages, err := r.store.GetSessionMessages(ctx, sess.ID, r.cfg.TranscriptLimit)
	if err != nil {
		logger.Error("loading session transcript failed", "error", err)
		return failure(fmt.Sprintf("loading transcript: %v", err))
	}

	var summary string
	if len(messages) > 0 {
		transcript := ai.RenderTranscript(toTurns(messages, ""))
		summary, err = r.responder.Summarize(ctx, transcript)
		if err != nil {
			// Close anyway; the summary is context, not a precondition.
			logger.Error("summarizing session failed", "error", err)
			summary = ""
		}
	}

	if err := r.sessions.Close(ctx, sess.ID, store.SessionStatusClosedByUser, summary); err != nil {
		if errors.Is(err, store.ErrSessionClosed) {
			logger.Info("session already closed")
			return ignored("session already closed")
		}
		logger.Error("closing session failed", "error", err)
		return failure(fmt.Sprintf("closing session: %v", err))
	}

	if _, sendErr := r.sender.SendText(ctx, waID, noticeSessionClosed); sendErr != nil {
		logger.Error("sending closure confirmation failed", "error", sendErr)
		return failure(fmt.Sprintf("sending confirmation: %v", sendErr))
	}

	logger.Info("session closed by user", "session_id", sess.ID)
	return success("session closed")
}

// sessionHistory returns the most recent exchanges of the current session
// as role-tagged turns, excluding the message that triggered this reply.
func (r *Router) sessionHistory(ctx context.Context, sessionID, excludeWaID string) ([]ai.Turn, error) {
	// One extra row because the fetch may include the triggering message.
	limit := r.cfg.HistoryLimit*2 + 1
	messages, err := r.store.GetSessionMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}

	turns := toTurns(messages, excludeWaID)
	if max := r.cfg.HistoryLimit * 2; len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns, nil
}

// toTurns converts stored messages to role-tagged turns in the order given,
// skipping the message with the given WhatsApp id.
func toTurns(messages []*store.Message, excludeWaID string) []ai.Turn {
	turns := make([]ai.Turn, 0, len(messages))
	for _, msg := range messages {
		if excludeWaID != "" && msg.WaMessageID == excludeWaID {
			continue
		}
		role := "user"
		if msg.Direction == store.DirectionOutbound {
			role = "assistant"
		}
		turns = append(turns, ai.Turn{Role: role, Content: msg.Content})
	}
	return turns
}

// resolveBusiness looks up the routed business, if any. An unknown id is
// logged and the pipeline proceeds without business context.
func (r *Router) resolveBusiness(ctx context.Context, businessID string, logger *slog.Logger) *store.Business {
	if businessID == "" {
		return nil
	}
	business, err := r.store.GetBusiness(ctx, businessID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("webhook routed to unknown business, proceeding without business context", "business_id", businessID)
		return nil
	}
	if err != nil {
		logger.Error("looking up business failed", "error", err, "business_id", businessID)
		return nil
	}
	return business
}

// resolveContact returns the contact for the wa_id, creating it on first
// sight. The display name is only refreshed when a real (non-placeholder)
// name is newly observed; the business association follows the latest
// routed business.
func (r *Router) resolveContact(ctx context.Context, waID, name string, businessID *string) (*store.Contact, error) {
	contact, err := r.store.GetContactByWaID(ctx, waID)
	if errors.Is(err, store.ErrNotFound) {
		now := r.now()
		contact = &store.Contact{
			ID:          uuid.New().String(),
			WaID:        waID,
			PhoneNumber: waID,
			Name:        name,
			BusinessID:  businessID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if createErr := r.store.CreateContact(ctx, contact); createErr != nil {
			// Concurrent delivery may have created the contact first
			existing, lookupErr := r.store.GetContactByWaID(ctx, waID)
			if lookupErr == nil {
				return existing, nil
			}
			return nil, createErr
		}
		r.logger.Info("contact created", "wa_id", waID, "name", name)
		return contact, nil
	}
	if err != nil {
		return nil, err
	}

	changed := false
	if name != unknownName && name != contact.Name {
		contact.Name = name
		changed = true
	}
	if businessID != nil && (contact.BusinessID == nil || *contact.BusinessID != *businessID) {
		contact.BusinessID = businessID
		changed = true
	}
	if changed {
		if err := r.store.UpdateContact(ctx, contact); err != nil {
			return nil, err
		}
	}
	return contact, nil
}

// isExitCommand reports whether the trimmed, case-folded text exactly
// matches one of the configured exit commands.
func (r *Router) isExitCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	for _, cmd := range r.cfg.ExitCommands {
		if strings.EqualFold(trimmed, cmd) {
			return true
		}
	}
	return false
}

// parseTimestamp converts the provider's unix-seconds timestamp string,
// falling back to receipt time when absent or unparseable.
func (r *Router) parseTimestamp(raw string) time.Time {
	if raw == "" {
		return r.now()
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Warn("unparseable message timestamp, using receipt time", "timestamp", raw)
		return r.now()
	}
	return time.Unix(seconds, 0).UTC()
}

// displayName picks the profile name hint for the sender, defaulting to the
// placeholder when the envelope carries none.
func displayName(contacts []whatsapp.Contact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID && c.Profile.Name != "" {
			return c.Profile.Name
		}
	}
	return unknownName
}

// messageContent extracts the stored content for a message and reports
// whether it is text. Non-text kinds get a placeholder so the conversation
// record stays complete.
func messageContent(msg whatsapp.Message) (string, bool) {
	if msg.Type == "text" && msg.Text != nil {
		return msg.Text.Body, true
	}
	return fmt.Sprintf("[unsupported message type: %s]", msg.Type), false
}
