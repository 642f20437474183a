package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sms-inbox/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteClient {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *SQLiteClient, id, phone string, first *domain.Message) domain.Conversation {
	t.Helper()
	conv, err := s.CreateConversation(context.Background(), sampleConversation(id, phone, 0), first)
	require.NoError(t, err)
	return conv
}

func TestNewSQLite_EmptyPath(t *testing.T) {
	_, err := NewSQLite(" ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func TestNewSQLite_InMemory(t *testing.T) {
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()

	seedConversation(t, s, "c1", "+1", nil)
	_, err = s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
}

func TestSQLite_CreateWithFirstMessage(t *testing.T) {
	s := newTestSQLite(t)
	msg := inbound("m1", "", t0.Add(time.Minute))
	seedConversation(t, s, "c1", "+15550001111", &msg)

	conv, err := s.FindActiveConversationByPhone(context.Background(), "+15550001111")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.Equal(t, []string{"m1"}, conv.MessageIDs)
	require.Equal(t, 1, conv.UnreadCount)
	require.True(t, conv.LastMessageAt.Equal(msg.Timestamp))

	msgs, err := s.GetMessagesForConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "c1", msgs[0].ConversationID)
	require.Equal(t, "SM-m1", msgs[0].ExternalID)
}

func TestSQLite_CreateConflictsOnActivePhone(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)

	_, err := s.CreateConversation(context.Background(), sampleConversation("c2", "+1", 0), nil)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLite_DuplicateExternalID(t *testing.T) {
	s := newTestSQLite(t)
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)

	again := inbound("m2", "c1", t0.Add(time.Second))
	again.ExternalID = first.ExternalID
	err := s.AppendMessage(context.Background(), again, "")
	require.ErrorIs(t, err, ErrDuplicate)

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, conv.UnreadCount)
	require.Equal(t, []string{"m1"}, conv.MessageIDs)
}

func TestSQLite_AppendUnknownConversation(t *testing.T) {
	s := newTestSQLite(t)
	err := s.AppendMessage(context.Background(), inbound("m1", "nope", t0), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_AppendToDeletedConversationConflicts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	seedConversation(t, s, "c1", "+1", nil)

	active, err := s.FindActiveConversationByPhone(ctx, "+1")
	require.NoError(t, err)
	_, err = s.SetDeleted(ctx, active.ID, true, t0.Add(time.Minute))
	require.NoError(t, err)

	err = s.AppendMessage(ctx, inbound("m1", active.ID, t0.Add(2*time.Minute)), "")
	require.ErrorIs(t, err, ErrConflict)

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadCount)
	require.Empty(t, conv.MessageIDs)
	_, err = s.FindMessageByExternalID(ctx, "SM-m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_OutboundAppendTakesOwnership(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)

	out := domain.Message{
		ID: "m1", ConversationID: "c1", Content: "hi", Direction: domain.DirectionOutbound,
		PhoneNumber: "+1", Status: domain.StatusSent, Read: true, Timestamp: t0, ExternalID: "SM-out",
	}
	require.NoError(t, s.AppendMessage(context.Background(), out, "agent-7"))

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "agent-7", conv.OwnerUserID)
	require.Equal(t, 0, conv.UnreadCount)

	require.NoError(t, s.AppendMessage(context.Background(), inbound("m2", "c1", t0.Add(time.Second)), ""))
	conv, err = s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "agent-7", conv.OwnerUserID)
	require.Equal(t, 1, conv.UnreadCount)
}

func TestSQLite_AppendIsAtomic(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)
	s.beforeCommit = func(string) error { return errors.New("disk full") }

	err := s.AppendMessage(context.Background(), inbound("m1", "c1", t0), "")
	require.Error(t, err)

	s.beforeCommit = nil
	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadCount)
	require.Empty(t, conv.MessageIDs)
	_, err = s.FindMessageByExternalID(context.Background(), "SM-m1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MarkMessageRead(t *testing.T) {
	s := newTestSQLite(t)
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)
	require.NoError(t, s.AppendMessage(context.Background(), inbound("m2", "c1", t0.Add(time.Second)), ""))

	changed, err := s.MarkMessageRead(context.Background(), "c1", "m1", "agent-7", t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = s.MarkMessageRead(context.Background(), "c1", "m1", "agent-7", t0.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, changed)

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, conv.UnreadCount)

	msgs, err := s.GetMessagesForConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, msgs[0].Read)
	require.Equal(t, "agent-7", msgs[0].ReadBy)
	require.NotNil(t, msgs[0].ReadAt)
	require.False(t, msgs[1].Read)
}

func TestSQLite_MarkMessageRead_Unknown(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)
	_, err := s.MarkMessageRead(context.Background(), "c1", "nope", "agent-7", t0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_MarkConversationRead(t *testing.T) {
	s := newTestSQLite(t)
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)
	require.NoError(t, s.AppendMessage(context.Background(), inbound("m2", "c1", t0.Add(time.Second)), ""))
	require.NoError(t, s.AppendMessage(context.Background(), inbound("m3", "c1", t0.Add(2*time.Second)), ""))

	ids, err := s.MarkConversationRead(context.Background(), "c1", "agent-7", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2", "m3"}, ids)

	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadCount)

	ids, err = s.MarkConversationRead(context.Background(), "c1", "agent-7", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestSQLite_MarkConversationRead_IsAtomic(t *testing.T) {
	s := newTestSQLite(t)
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)
	s.beforeCommit = func(op string) error {
		if op == "MarkConversationRead" {
			return errors.New("crash")
		}
		return nil
	}

	_, err := s.MarkConversationRead(context.Background(), "c1", "agent-7", t0)
	require.Error(t, err)

	msgs, err := s.GetMessagesForConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.False(t, msgs[0].Read)
	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 1, conv.UnreadCount)
}

func TestSQLite_UnreadCountMatchesMessages(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)

	requireConsistent := func() {
		t.Helper()
		conv, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		msgs, err := s.GetMessagesForConversation(ctx, "c1")
		require.NoError(t, err)
		require.Equal(t, domain.CountUnread(msgs), conv.UnreadCount)
	}

	for i := 2; i <= 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, inbound(fmt.Sprintf("m%d", i), "c1", t0.Add(time.Duration(i)*time.Second)), ""))
		requireConsistent()
	}
	out := domain.Message{
		ID: "o1", ConversationID: "c1", Content: "hi", Direction: domain.DirectionOutbound,
		PhoneNumber: "+1", Status: domain.StatusSent, Read: true, Timestamp: t0.Add(5 * time.Second), ExternalID: "SM-o1",
	}
	require.NoError(t, s.AppendMessage(ctx, out, "agent-7"))
	requireConsistent()

	_, err := s.MarkMessageRead(ctx, "c1", "m2", "agent-7", t0.Add(time.Minute))
	require.NoError(t, err)
	requireConsistent()
	_, err = s.MarkMessageRead(ctx, "c1", "o1", "agent-7", t0.Add(time.Minute))
	require.NoError(t, err)
	requireConsistent()

	require.NoError(t, s.AppendMessage(ctx, inbound("m5", "c1", t0.Add(6*time.Second)), ""))
	requireConsistent()

	ids, err := s.MarkConversationRead(ctx, "c1", "agent-8", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m3", "m4", "m5"}, ids)
	requireConsistent()

	require.NoError(t, s.AppendMessage(ctx, inbound("m6", "c1", t0.Add(7*time.Second)), ""))
	requireConsistent()
}

func TestSQLite_DeleteThenNewConversation(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)

	conv, err := s.SetDeleted(context.Background(), "c1", true, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, conv.Deleted)

	_, err = s.FindActiveConversationByPhone(context.Background(), "+1")
	require.ErrorIs(t, err, ErrNotFound)

	seedConversation(t, s, "c2", "+1", nil)

	_, err = s.SetDeleted(context.Background(), "c1", false, t0.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrConflict)

	views, err := s.ListConversations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "c2", views[0].ID)

	views, err = s.ListConversations(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, views, 2)
}

func TestSQLite_ArchiveAndRename(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)

	conv, err := s.SetArchived(context.Background(), "c1", true, t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, conv.Archived)
	require.True(t, conv.LastMessageAt.Equal(t0.Add(time.Hour)))

	conv, err = s.SetCustomerName(context.Background(), "c1", "Ada", t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, "Ada", conv.CustomerName)

	_, err = s.SetArchived(context.Background(), "nope", true, t0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListOrdersByActivity(t *testing.T) {
	s := newTestSQLite(t)
	a := inbound("a1", "", t0)
	seedConversation(t, s, "ca", "+1", &a)
	b := inbound("b1", "", t0.Add(time.Minute))
	seedConversation(t, s, "cb", "+2", &b)
	require.NoError(t, s.AppendMessage(context.Background(), inbound("a2", "ca", t0.Add(time.Hour)), ""))

	views, err := s.ListConversations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, "ca", views[0].ID)
	require.Equal(t, []string{"a1", "a2"}, views[0].MessageIDs)
	require.Len(t, views[0].Messages, 2)
	require.Equal(t, "a1", views[0].Messages[0].ID)
}

func TestSQLite_GetMessages_Unknown(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.GetMessagesForConversation(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateMessageStatus(t *testing.T) {
	s := newTestSQLite(t)
	seedConversation(t, s, "c1", "+1", nil)
	out := domain.Message{
		ID: "m1", ConversationID: "c1", Content: "hi", Direction: domain.DirectionOutbound,
		PhoneNumber: "+1", Status: domain.StatusSent, Read: true, Timestamp: t0, ExternalID: "SM-out",
	}
	require.NoError(t, s.AppendMessage(context.Background(), out, "agent-7"))

	ok, err := s.UpdateMessageStatus(context.Background(), out, domain.StatusSent, domain.StatusDelivered, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpdateMessageStatus(context.Background(), out, domain.StatusSent, domain.StatusFailed, t0.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.FindMessageByExternalID(context.Background(), "SM-out")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDelivered, got.Status)
	require.NotNil(t, got.StatusUpdatedAt)
}

func TestSQLite_ConcurrentCreateYieldsOneActive(t *testing.T) {
	s := newTestSQLite(t)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range 10 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := inbound(fmt.Sprintf("m%d", i), "", t0.Add(time.Duration(i)*time.Millisecond))
			_, errs[i] = s.CreateConversation(context.Background(), sampleConversation(fmt.Sprintf("c%d", i), "+1", 0), &msg)
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, ErrConflict)
	}
	require.Equal(t, 1, created)

	views, err := s.ListConversations(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, views, 1)
}

func TestSQLite_ConcurrentReadsDecrementOnce(t *testing.T) {
	s := newTestSQLite(t)
	first := inbound("m1", "", t0)
	seedConversation(t, s, "c1", "+1", &first)

	var wg sync.WaitGroup
	var mu sync.Mutex
	changedCount := 0
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := s.MarkMessageRead(context.Background(), "c1", "m1", "agent-7", t0)
			require.NoError(t, err)
			if changed {
				mu.Lock()
				changedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, changedCount)
	conv, err := s.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 0, conv.UnreadCount)
}
