// tgmirror - A Telegram chat history mirror.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package mirror

import (
	"context"
	"fmt"
)

// ChatID identifies a Telegram chat. Supergroups and channels use negative ids.
type ChatID int64

// MessageID is a per-chat message identifier. Ids grow monotonically within a
// chat, but a freshly sent message first carries a temporary id that is later
// replaced by a permanent one.
type MessageID int64

// Message is the subset of a Telegram message the mirror cares about.
type Message struct {
	ID     MessageID
	ChatID ChatID
	// ContentType is the TDLib content constructor, e.g. "messageText" or
	// "messageChatChangeTitle".
	ContentType string
}

// Chat is a chat id and its display title.
type Chat struct {
	ID    ChatID
	Title string
}

// HistoryPage is one getChatHistory response. Messages are newest-first.
type HistoryPage struct {
	TotalCount int
	Messages   []*Message
}

// SendResult is an asynchronous delivery notification for a message that was
// sent with a temporary id.
type SendResult struct {
	ChatID      ChatID
	TemporaryID MessageID
	// PermanentID is the server-assigned id. Zero when Failed is set.
	PermanentID MessageID
	Failed      bool
	ErrorCode   int
	ErrorText   string
}

// Client is the remote protocol surface the mirror needs. The tdlib package
// provides the real implementation.
type Client interface {
	GetChatHistory(ctx context.Context, chatID ChatID, fromMessageID MessageID, limit int) (*HistoryPage, error)
	// ForwardMessages returns one entry per requested id. A nil entry means
	// the message could not be forwarded.
	ForwardMessages(ctx context.Context, toChat, fromChat ChatID, messageIDs []MessageID, sendCopy bool) ([]*Message, error)
	GetMessage(ctx context.Context, chatID ChatID, messageID MessageID) (*Message, error)
	// SubscribeSendResults registers fn for every send result until the
	// returned function is called. fn is invoked from the client's event
	// dispatch goroutine and must not block.
	SubscribeSendResults(fn func(SendResult)) (unsubscribe func())
}

// Ledger is the durable source→destination id mapping used by the Syncer.
type Ledger interface {
	Lookup(src MessageID) (MessageID, bool)
	Record(src, dst MessageID)
	Persist(ctx context.Context, src, dst MessageID) error
	Save(ctx context.Context) error
	Len() int
}

// SendFailedError is returned when the server rejects a copied message after
// it was accepted with a temporary id.
type SendFailedError struct {
	TemporaryID MessageID
	Code        int
	Text        string
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("message %d failed to send: %d %s", e.TemporaryID, e.Code, e.Text)
}

func (e *SendFailedError) Is(target error) bool {
	return target == ErrSendFailed
}
