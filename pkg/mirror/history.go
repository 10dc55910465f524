package mirror

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultPageSize matches the page size the Telegram clients use for history.
const DefaultPageSize = 10

// TypeFilter reports whether a message with the given content type is kept.
type TypeFilter func(contentType string) bool

// ExcludeTypes returns a filter that drops the listed content types.
func ExcludeTypes(types ...string) TypeFilter {
	if len(types) == 0 {
		return nil
	}
	excluded := make(map[string]struct{}, len(types))
	for _, t := range types {
		excluded[t] = struct{}{}
	}
	return func(contentType string) bool {
		_, skip := excluded[contentType]
		return !skip
	}
}

// HistoryFetcher walks a chat's full history backwards from the latest message.
type HistoryFetcher struct {
	client   Client
	pageSize int
	log      zerolog.Logger
}

func NewHistoryFetcher(client Client, pageSize int, log zerolog.Logger) *HistoryFetcher {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryFetcher{
		client:   client,
		pageSize: pageSize,
		log:      log.With().Str("component", "history").Logger(),
	}
}

// FetchHistory returns every message of chatID that passes filter, newest
// first. filter may be nil. Remote errors are not retried.
func (f *HistoryFetcher) FetchHistory(ctx context.Context, chatID ChatID, filter TypeFilter) ([]*Message, error) {
	log := f.log.With().Int64("chat_id", int64(chatID)).Logger()
	var (
		collected []*Message
		filtered  int
		cursor    MessageID
	)
	for page := 0; ; page++ {
		resp, err := f.client.GetChatHistory(ctx, chatID, cursor, f.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history page %d of chat %d: %w", page, chatID, err)
		}
		if resp.TotalCount == 0 || len(resp.Messages) == 0 {
			log.Debug().Int("page", page).Msg("History pagination reached the end")
			break
		}
		for _, msg := range resp.Messages {
			if cursor != 0 && msg.ID >= cursor {
				// Already collected on the previous page.
				continue
			}
			if filter != nil && !filter(msg.ContentType) {
				filtered++
				continue
			}
			collected = append(collected, msg)
		}
		oldest := resp.Messages[len(resp.Messages)-1].ID
		log.Debug().
			Int("page", page).
			Int("messages", len(resp.Messages)).
			Int64("cursor", int64(oldest)).
			Msg("Fetched history page")
		// A cursor that doesn't move backwards would loop forever.
		if cursor != 0 && oldest >= cursor {
			log.Warn().
				Int64("cursor", int64(cursor)).
				Int64("oldest", int64(oldest)).
				Msg("History cursor did not advance, stopping pagination")
			break
		}
		cursor = oldest
	}
	log.Info().
		Int("messages", len(collected)).
		Int("filtered", filtered).
		Msg("Fetched chat history")
	return collected, nil
}
