package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChat ChatID = -100123

func fillChat(client *fakeClient, chat ChatID, first, count int) {
	for i := 0; i < count; i++ {
		client.addMessage(chat, MessageID(first+i), "messageText")
	}
}

func ids(msgs []*Message) []MessageID {
	out := make([]MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestFetchHistory_PaginatesWholeChat(t *testing.T) {
	client := newFakeClient()
	fillChat(client, testChat, 1, 23)

	fetcher := NewHistoryFetcher(client, 10, zerolog.Nop())
	msgs, err := fetcher.FetchHistory(context.Background(), testChat, nil)
	require.NoError(t, err)

	got := ids(msgs)
	require.Len(t, got, 23)
	seen := make(map[MessageID]bool)
	for i, id := range got {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		// Newest first with no gaps.
		assert.Equal(t, MessageID(23-i), id)
	}
	// 3 full or partial pages plus the terminating empty page.
	assert.Equal(t, 4, client.historyCalls)
}

func TestFetchHistory_InclusiveCursorDoesNotDuplicate(t *testing.T) {
	client := newFakeClient()
	client.inclusiveCursor = true
	fillChat(client, testChat, 1, 25)

	msgs, err := NewHistoryFetcher(client, 10, zerolog.Nop()).FetchHistory(context.Background(), testChat, nil)
	require.NoError(t, err)
	got := ids(msgs)
	require.Len(t, got, 25)
	assert.Equal(t, MessageID(25), got[0])
	assert.Equal(t, MessageID(1), got[len(got)-1])
}

func TestFetchHistory_EmptyChat(t *testing.T) {
	client := newFakeClient()
	msgs, err := NewHistoryFetcher(client, 10, zerolog.Nop()).FetchHistory(context.Background(), testChat, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, client.historyCalls)
}

func TestFetchHistory_ExcludesTypes(t *testing.T) {
	client := newFakeClient()
	client.addMessage(testChat, 1, "messageBasicGroupChatCreate")
	client.addMessage(testChat, 2, "messageText")
	client.addMessage(testChat, 3, "messageChatChangeTitle")
	client.addMessage(testChat, 4, "messagePhoto")

	filter := ExcludeTypes("messageChatChangeTitle", "messageBasicGroupChatCreate")
	msgs, err := NewHistoryFetcher(client, 2, zerolog.Nop()).FetchHistory(context.Background(), testChat, filter)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{4, 2}, ids(msgs))
}

func TestFetchHistory_PropagatesErrors(t *testing.T) {
	client := newFakeClient()
	boom := errors.New("connection lost")
	client.historyErr[testChat] = boom

	_, err := NewHistoryFetcher(client, 10, zerolog.Nop()).FetchHistory(context.Background(), testChat, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestExcludeTypes_NoTypesKeepsEverything(t *testing.T) {
	assert.Nil(t, ExcludeTypes())
	filter := ExcludeTypes("messageChatAddMembers")
	assert.True(t, filter("messageText"))
	assert.False(t, filter("messageChatAddMembers"))
}
