package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageStatus_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from MessageStatus
		to   MessageStatus
		want bool
	}{
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusFailed, true},
		{StatusSent, StatusUndelivered, true},
		{StatusSent, StatusSent, false},
		{StatusSent, MessageStatus("queued"), false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusDelivered, false},
		{StatusReceived, StatusDelivered, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMessageStatus_Terminal(t *testing.T) {
	require.False(t, StatusSent.Terminal())
	require.True(t, StatusReceived.Terminal())
	require.True(t, StatusDelivered.Terminal())
	require.True(t, StatusUndelivered.Terminal())
}

func TestSortByTimestamp_OrdersAscending(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "c", Timestamp: base.Add(2 * time.Minute)},
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(time.Minute)},
	}
	SortByTimestamp(msgs)
	require.Equal(t, "a", msgs[0].ID)
	require.Equal(t, "b", msgs[1].ID)
	require.Equal(t, "c", msgs[2].ID)
}

func TestCountUnread_IgnoresOutboundAndRead(t *testing.T) {
	msgs := []Message{
		{Direction: DirectionInbound},
		{Direction: DirectionInbound, Read: true},
		{Direction: DirectionOutbound},
		{Direction: DirectionInbound},
	}
	require.Equal(t, 2, CountUnread(msgs))
}

func TestMessageReadEvent_SingleMessageSetsMessageID(t *testing.T) {
	e := MessageReadEvent("conv-1", []string{"m1"}, "u1", time.Now())
	require.Equal(t, EventMessageRead, e.Type)
	require.Equal(t, "m1", e.MessageID)

	e = MessageReadEvent("conv-1", []string{"m1", "m2"}, "u1", time.Now())
	require.Empty(t, e.MessageID)
	require.Len(t, e.MessageIDs, 2)
}
