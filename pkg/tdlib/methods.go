package tdlib

import (
	"context"
	"encoding/json"

	"github.com/lrhodin/tgmirror/pkg/mirror"
)

type messageContent struct {
	Type string `json:"@type"`
}

type message struct {
	ID      int64          `json:"id"`
	ChatID  int64          `json:"chat_id"`
	Content messageContent `json:"content"`
}

func (m *message) toMirror() *mirror.Message {
	if m == nil {
		return nil
	}
	return &mirror.Message{
		ID:          mirror.MessageID(m.ID),
		ChatID:      mirror.ChatID(m.ChatID),
		ContentType: m.Content.Type,
	}
}

type messages struct {
	TotalCount int        `json:"total_count"`
	Messages   []*message `json:"messages"`
}

type chats struct {
	TotalCount int     `json:"total_count"`
	ChatIDs    []int64 `json:"chat_ids"`
}

type chat struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type updateMessageSendSucceeded struct {
	Message      message `json:"message"`
	OldMessageID int64   `json:"old_message_id"`
}

type updateMessageSendFailed struct {
	Message      message `json:"message"`
	OldMessageID int64   `json:"old_message_id"`
	Error        *Error  `json:"error"`
	// Older TDLib versions report the error inline.
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

var _ mirror.Client = (*Client)(nil)

// GetChats returns the ids of the first limit chats in the main chat list.
func (c *Client) GetChats(ctx context.Context, limit int) ([]mirror.ChatID, error) {
	var resp chats
	err := c.Call(ctx, Object{"@type": "getChats", "chat_list": nil, "limit": limit}, &resp)
	if err != nil {
		return nil, err
	}
	ids := make([]mirror.ChatID, len(resp.ChatIDs))
	for i, id := range resp.ChatIDs {
		ids[i] = mirror.ChatID(id)
	}
	return ids, nil
}

func (c *Client) GetChat(ctx context.Context, chatID mirror.ChatID) (*mirror.Chat, error) {
	var resp chat
	if err := c.Call(ctx, Object{"@type": "getChat", "chat_id": chatID}, &resp); err != nil {
		return nil, err
	}
	return &mirror.Chat{ID: mirror.ChatID(resp.ID), Title: resp.Title}, nil
}

// ListChats returns the first limit chats with their titles.
func (c *Client) ListChats(ctx context.Context, limit int) ([]*mirror.Chat, error) {
	ids, err := c.GetChats(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*mirror.Chat, 0, len(ids))
	for _, id := range ids {
		info, err := c.GetChat(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) GetChatHistory(ctx context.Context, chatID mirror.ChatID, fromMessageID mirror.MessageID, limit int) (*mirror.HistoryPage, error) {
	var resp messages
	err := c.Call(ctx, Object{
		"@type":           "getChatHistory",
		"chat_id":         chatID,
		"from_message_id": fromMessageID,
		"offset":          0,
		"limit":           limit,
		"only_local":      false,
	}, &resp)
	if err != nil {
		return nil, err
	}
	page := &mirror.HistoryPage{TotalCount: resp.TotalCount, Messages: make([]*mirror.Message, 0, len(resp.Messages))}
	for _, msg := range resp.Messages {
		if msg != nil {
			page.Messages = append(page.Messages, msg.toMirror())
		}
	}
	return page, nil
}

func (c *Client) ForwardMessages(ctx context.Context, toChat, fromChat mirror.ChatID, messageIDs []mirror.MessageID, sendCopy bool) ([]*mirror.Message, error) {
	var resp messages
	err := c.Call(ctx, Object{
		"@type":          "forwardMessages",
		"chat_id":        toChat,
		"from_chat_id":   fromChat,
		"message_ids":    messageIDs,
		"send_copy":      sendCopy,
		"remove_caption": false,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]*mirror.Message, len(resp.Messages))
	for i, msg := range resp.Messages {
		out[i] = msg.toMirror()
	}
	return out, nil
}

func (c *Client) GetMessage(ctx context.Context, chatID mirror.ChatID, messageID mirror.MessageID) (*mirror.Message, error) {
	var resp message
	err := c.Call(ctx, Object{"@type": "getMessage", "chat_id": chatID, "message_id": messageID}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.toMirror(), nil
}

// SubscribeSendResults adapts updateMessageSendSucceeded and
// updateMessageSendFailed to mirror.SendResult.
func (c *Client) SubscribeSendResults(fn func(mirror.SendResult)) (unsubscribe func()) {
	removeSucceeded := c.AddUpdateHandler("updateMessageSendSucceeded", func(data []byte) {
		var upd updateMessageSendSucceeded
		if err := json.Unmarshal(data, &upd); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse updateMessageSendSucceeded")
			return
		}
		fn(mirror.SendResult{
			ChatID:      mirror.ChatID(upd.Message.ChatID),
			TemporaryID: mirror.MessageID(upd.OldMessageID),
			PermanentID: mirror.MessageID(upd.Message.ID),
		})
	})
	removeFailed := c.AddUpdateHandler("updateMessageSendFailed", func(data []byte) {
		var upd updateMessageSendFailed
		if err := json.Unmarshal(data, &upd); err != nil {
			c.log.Warn().Err(err).Msg("Failed to parse updateMessageSendFailed")
			return
		}
		res := mirror.SendResult{
			ChatID:      mirror.ChatID(upd.Message.ChatID),
			TemporaryID: mirror.MessageID(upd.OldMessageID),
			Failed:      true,
			ErrorCode:   upd.ErrorCode,
			ErrorText:   upd.ErrorMessage,
		}
		if upd.Error != nil {
			res.ErrorCode, res.ErrorText = upd.Error.Code, upd.Error.Message
		}
		fn(res)
	})
	return func() {
		removeSucceeded()
		removeFailed()
	}
}
