// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers contact/session/message persistence and the single-open-session index

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testContact(t *testing.T, s *SQLiteStore, waID string) *Contact {
	t.Helper()
	now := time.Now()
	contact := &Contact{
		ID:          uuid.New().String(),
		WaID:        waID,
		PhoneNumber: waID,
		Name:        "Test User",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateContact(context.Background(), contact))
	return contact
}

func testSession(t *testing.T, s *SQLiteStore, contactID string) *Session {
	t.Helper()
	now := time.Now()
	session := &Session{
		ID:           uuid.New().String(),
		ContactID:    contactID,
		StartedAt:    now,
		LastActivity: now,
		Status:       SessionStatusOpen,
	}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func testMessage(t *testing.T, s *SQLiteStore, contactID, sessionID, content string) *Message {
	t.Helper()
	now := time.Now()
	msg := &Message{
		ID:          uuid.New().String(),
		WaMessageID: "wamid." + uuid.New().String(),
		ContactID:   contactID,
		SessionID:   sessionID,
		Direction:   DirectionInbound,
		Kind:        "text",
		Content:     content,
		Status:      MessageStatusReceived,
		Timestamp:   now,
		CreatedAt:   now,
	}
	require.NoError(t, s.SaveMessage(context.Background(), msg))
	return msg
}

func TestSQLiteStore_CreateAndGetContact(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")

	got, err := s.GetContactByWaID(ctx, "5215512345678")
	require.NoError(t, err)
	assert.Equal(t, contact.ID, got.ID)
	assert.Equal(t, "5215512345678", got.WaID)
	assert.Equal(t, "Test User", got.Name)
	assert.Nil(t, got.BusinessID)
}

func TestSQLiteStore_GetContactByWaID_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetContactByWaID(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateContact(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	contact.Name = "Renamed User"
	require.NoError(t, s.UpdateContact(ctx, contact))

	got, err := s.GetContactByWaID(ctx, "5215512345678")
	require.NoError(t, err)
	assert.Equal(t, "Renamed User", got.Name)
}

func TestSQLiteStore_UpdateContact_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateContact(context.Background(), &Contact{ID: "missing", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CreateSession_RejectsSecondOpen(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	testSession(t, s, contact.ID)

	second := &Session{
		ID:           uuid.New().String(),
		ContactID:    contact.ID,
		StartedAt:    time.Now(),
		LastActivity: time.Now(),
		Status:       SessionStatusOpen,
	}
	err := s.CreateSession(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicateOpenSession)
}

func TestSQLiteStore_CreateSession_AllowsOpenAfterClose(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	first := testSession(t, s, contact.ID)

	require.NoError(t, s.CloseSession(ctx, first.ID, SessionStatusClosedByUser, time.Now(), ""))

	// A new open session is allowed once the previous one is closed
	second := testSession(t, s, contact.ID)

	got, err := s.GetOpenSession(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestSQLiteStore_GetOpenSession_NotFound(t *testing.T) {
	s := createTestStore(t)
	contact := testContact(t, s, "5215512345678")

	_, err := s.GetOpenSession(context.Background(), contact.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_TouchSession_AdvancesActivity(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)

	later := time.Now().Add(5 * time.Minute)
	require.NoError(t, s.TouchSession(ctx, sess.ID, later))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastActivity, time.Second)
}

func TestSQLiteStore_TouchSession_ClosedSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)
	require.NoError(t, s.CloseSession(ctx, sess.ID, SessionStatusTimedOut, time.Now(), ""))

	err := s.TouchSession(ctx, sess.ID, time.Now())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSQLiteStore_TouchSession_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.TouchSession(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CloseSession_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)

	endedAt := time.Now()
	require.NoError(t, s.CloseSession(ctx, sess.ID, SessionStatusClosedByUser, endedAt, "user asked about the menu"))

	// A second close leaves the original status and summary untouched
	err := s.CloseSession(ctx, sess.ID, SessionStatusTimedOut, time.Now().Add(time.Hour), "other summary")
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusClosedByUser, got.Status)
	assert.Equal(t, "user asked about the menu", got.Context)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, endedAt, *got.EndedAt, time.Second)
}

func TestSQLiteStore_CloseSession_EmptySummaryKeepsContext(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		ContactID:    contact.ID,
		StartedAt:    now,
		LastActivity: now,
		Status:       SessionStatusOpen,
		Context:      "pre-existing context",
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.CloseSession(ctx, sess.ID, SessionStatusTimedOut, now, ""))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "pre-existing context", got.Context)
}

func TestSQLiteStore_CloseExpiredSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	staleContact := testContact(t, s, "111")
	freshContact := testContact(t, s, "222")

	now := time.Now()
	stale := &Session{
		ID:           uuid.New().String(),
		ContactID:    staleContact.ID,
		StartedAt:    now.Add(-2 * time.Hour),
		LastActivity: now.Add(-2 * time.Hour),
		Status:       SessionStatusOpen,
	}
	require.NoError(t, s.CreateSession(ctx, stale))

	fresh := &Session{
		ID:           uuid.New().String(),
		ContactID:    freshContact.ID,
		StartedAt:    now,
		LastActivity: now,
		Status:       SessionStatusOpen,
	}
	require.NoError(t, s.CreateSession(ctx, fresh))

	closed, err := s.CloseExpiredSessions(ctx, now.Add(-30*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	gotStale, err := s.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStatusTimedOut, gotStale.Status)
	assert.NotNil(t, gotStale.EndedAt)

	gotFresh, err := s.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, gotFresh.Open())
}

func TestSQLiteStore_CloseExpiredSessions_NothingToClose(t *testing.T) {
	s := createTestStore(t)

	closed, err := s.CloseExpiredSessions(context.Background(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
}

func TestSQLiteStore_SaveMessage_DuplicateWaID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)
	msg := testMessage(t, s, contact.ID, sess.ID, "hola")

	dup := &Message{
		ID:          uuid.New().String(),
		WaMessageID: msg.WaMessageID,
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   DirectionInbound,
		Kind:        "text",
		Content:     "hola otra vez",
		Status:      MessageStatusReceived,
		Timestamp:   time.Now(),
		CreatedAt:   time.Now(),
	}
	err := s.SaveMessage(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestSQLiteStore_GetMessageByWaID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)
	msg := testMessage(t, s, contact.ID, sess.ID, "hola")

	got, err := s.GetMessageByWaID(ctx, msg.WaMessageID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "hola", got.Content)

	_, err = s.GetMessageByWaID(ctx, "wamid.unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateMessageStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)
	msg := testMessage(t, s, contact.ID, sess.ID, "hola")

	require.NoError(t, s.UpdateMessageStatus(ctx, msg.WaMessageID, MessageStatusDelivered))

	got, err := s.GetMessageByWaID(ctx, msg.WaMessageID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusDelivered, got.Status)
}

func TestSQLiteStore_UpdateMessageStatus_NotFound(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateMessageStatus(context.Background(), "wamid.unknown", MessageStatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_GetSessionMessages_LimitKeepsMostRecent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)

	base := time.Now()
	for i := 0; i < 5; i++ {
		msg := &Message{
			ID:          uuid.New().String(),
			WaMessageID: "wamid." + uuid.New().String(),
			ContactID:   contact.ID,
			SessionID:   sess.ID,
			Direction:   DirectionInbound,
			Kind:        "text",
			Content:     string(rune('a' + i)),
			Status:      MessageStatusReceived,
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveMessage(ctx, msg))
	}

	messages, err := s.GetSessionMessages(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	// Most recent three, returned oldest first
	assert.Equal(t, "c", messages[0].Content)
	assert.Equal(t, "d", messages[1].Content)
	assert.Equal(t, "e", messages[2].Content)
}

func TestSQLiteStore_GetSessionMessages_SameSecondOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)

	// An inbound message and its reply often land within the same second
	base := time.Now().Truncate(time.Second)
	inbound := &Message{
		ID:          uuid.New().String(),
		WaMessageID: "wamid.in",
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   DirectionInbound,
		Kind:        "text",
		Content:     "hola",
		Status:      MessageStatusReceived,
		Timestamp:   base,
		CreatedAt:   base.Add(100 * time.Millisecond),
	}
	require.NoError(t, s.SaveMessage(ctx, inbound))

	outbound := &Message{
		ID:          uuid.New().String(),
		WaMessageID: "wamid.out",
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   DirectionOutbound,
		Kind:        "text",
		Content:     "¡Hola! ¿En qué puedo ayudarte?",
		Status:      MessageStatusSent,
		Timestamp:   base,
		CreatedAt:   base.Add(600 * time.Millisecond),
	}
	require.NoError(t, s.SaveMessage(ctx, outbound))

	messages, err := s.GetSessionMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, DirectionInbound, messages[0].Direction)
	assert.Equal(t, DirectionOutbound, messages[1].Direction)
}

func TestSQLiteStore_GetSessionMessages_TrailingZeroFractionOrdering(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)

	// .100s and .150s of the same second: a format that strips trailing
	// fractional zeros renders ".1Z" and ".15Z", and ".1Z" sorts after
	// ".15Z" lexicographically ('Z' > '5'), reversing the pair
	base := time.Now().Truncate(time.Second)
	first := &Message{
		ID:          uuid.New().String(),
		WaMessageID: "wamid.first",
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   DirectionInbound,
		Kind:        "text",
		Content:     "first",
		Status:      MessageStatusReceived,
		Timestamp:   base.Add(100 * time.Millisecond),
		CreatedAt:   base.Add(100 * time.Millisecond),
	}
	require.NoError(t, s.SaveMessage(ctx, first))

	second := &Message{
		ID:          uuid.New().String(),
		WaMessageID: "wamid.second",
		ContactID:   contact.ID,
		SessionID:   sess.ID,
		Direction:   DirectionOutbound,
		Kind:        "text",
		Content:     "second",
		Status:      MessageStatusSent,
		Timestamp:   base.Add(150 * time.Millisecond),
		CreatedAt:   base.Add(150 * time.Millisecond),
	}
	require.NoError(t, s.SaveMessage(ctx, second))

	messages, err := s.GetSessionMessages(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)

	// The most-recent-N path orders on the same column
	newest, err := s.GetSessionMessages(ctx, sess.ID, 1)
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, "second", newest[0].Content)
}

func TestSQLiteStore_UpdateMessageStatus_IgnoresRegression(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	sess := testSession(t, s, contact.ID)
	msg := testMessage(t, s, contact.ID, sess.ID, "hola")

	require.NoError(t, s.UpdateMessageStatus(ctx, msg.WaMessageID, MessageStatusDelivered))
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.WaMessageID, MessageStatusRead))

	// Callbacks arrive out of order; a late "delivered" must not undo "read"
	require.NoError(t, s.UpdateMessageStatus(ctx, msg.WaMessageID, MessageStatusDelivered))

	got, err := s.GetMessageByWaID(ctx, msg.WaMessageID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatusRead, got.Status)
}

func TestSQLiteStore_GetSessionMessages_ScopedToSession(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	contact := testContact(t, s, "5215512345678")
	first := testSession(t, s, contact.ID)
	testMessage(t, s, contact.ID, first.ID, "from the first session")

	require.NoError(t, s.CloseSession(ctx, first.ID, SessionStatusTimedOut, time.Now(), ""))
	second := testSession(t, s, contact.ID)
	testMessage(t, s, contact.ID, second.ID, "from the second session")

	messages, err := s.GetSessionMessages(ctx, second.ID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "from the second session", messages[0].Content)
}
