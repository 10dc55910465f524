package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultConfirmTimeout is how long Copy waits for the server to assign a
// permanent id before falling back to the destination's latest message.
const DefaultConfirmTimeout = 60 * time.Second

var (
	// ErrNotCopyable means the server returned an empty slot for the message,
	// e.g. because it was deleted or its content can't be copied.
	ErrNotCopyable = errors.New("message can't be copied")
	// ErrSendFailed means the copy was accepted but delivery failed afterwards.
	ErrSendFailed = errors.New("message send failed")
)

// CopyResult describes a finished copy.
type CopyResult struct {
	SourceID      MessageID
	TemporaryID   MessageID
	DestinationID MessageID
	// Confirmed is false when no delivery confirmation arrived before the
	// timeout and DestinationID comes from the latest-message lookup.
	Confirmed bool
}

// Copier copies single messages and waits for their delivery.
type Copier struct {
	client   Client
	timeout  time.Duration
	sendCopy bool
	log      zerolog.Logger
}

func NewCopier(client Client, timeout time.Duration, sendCopy bool, log zerolog.Logger) *Copier {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Copier{
		client:   client,
		timeout:  timeout,
		sendCopy: sendCopy,
		log:      log.With().Str("component", "copier").Logger(),
	}
}

// Copy forwards messageID from one chat to another and returns the id of the
// resulting destination message.
func (c *Copier) Copy(ctx context.Context, from, to ChatID, messageID MessageID) (*CopyResult, error) {
	log := c.log.With().Int64("message_id", int64(messageID)).Logger()

	// Subscribe before sending so a confirmation that arrives together with
	// the forward response is buffered instead of lost.
	pending := newPendingCopy(to)
	unsubscribe := c.client.SubscribeSendResults(pending.observe)
	defer unsubscribe()

	sent, err := c.client.ForwardMessages(ctx, to, from, []MessageID{messageID}, c.sendCopy)
	if err != nil {
		return nil, fmt.Errorf("failed to forward message %d: %w", messageID, err)
	}
	if len(sent) == 0 || sent[0] == nil {
		return nil, fmt.Errorf("%w: message %d", ErrNotCopyable, messageID)
	}
	result := &CopyResult{SourceID: messageID, TemporaryID: sent[0].ID}
	// The message is on its way. Resolve its id even if the run is being
	// cancelled, otherwise it would be copied again next run. The wait is
	// still bounded by the confirmation timeout.
	ctx = context.WithoutCancel(ctx)
	log.Debug().Int64("temporary_id", int64(result.TemporaryID)).Msg("Message forwarded, waiting for delivery")

	confirmation, confirmed, err := pending.wait(ctx, result.TemporaryID, c.timeout)
	if err != nil {
		return nil, err
	}
	if confirmed && confirmation.Failed {
		return nil, &SendFailedError{
			TemporaryID: result.TemporaryID,
			Code:        confirmation.ErrorCode,
			Text:        confirmation.ErrorText,
		}
	}

	latest, latestErr := c.latestMessageID(ctx, to)
	switch {
	case confirmed:
		result.Confirmed = true
		result.DestinationID = confirmation.PermanentID
		if latestErr != nil {
			log.Warn().Err(latestErr).Msg("Failed to look up latest destination message after confirmation")
		} else if latest != confirmation.PermanentID {
			log.Warn().
				Int64("permanent_id", int64(confirmation.PermanentID)).
				Int64("latest_id", int64(latest)).
				Msg("Latest destination message differs from confirmed id, another message arrived meanwhile")
		}
	case latestErr != nil:
		return nil, fmt.Errorf("delivery of message %d not confirmed and latest message lookup failed: %w", messageID, latestErr)
	default:
		log.Warn().
			Dur("timeout", c.timeout).
			Int64("latest_id", int64(latest)).
			Msg("Delivery confirmation timed out, assuming latest destination message is the copy")
		result.DestinationID = latest
	}
	return result, nil
}

func (c *Copier) latestMessageID(ctx context.Context, chatID ChatID) (MessageID, error) {
	page, err := c.client.GetChatHistory(ctx, chatID, 0, 1)
	if err != nil {
		return 0, err
	}
	if len(page.Messages) == 0 {
		return 0, fmt.Errorf("chat %d has no messages", chatID)
	}
	return page.Messages[0].ID, nil
}

// pendingCopy correlates send results with the temporary id of one copy.
// Results that arrive before the id is known are buffered.
type pendingCopy struct {
	lock     sync.Mutex
	chatID   ChatID
	tempID   MessageID
	early    map[MessageID]SendResult
	resolved bool
	done     chan SendResult
}

func newPendingCopy(chatID ChatID) *pendingCopy {
	return &pendingCopy{
		chatID: chatID,
		early:  make(map[MessageID]SendResult),
		done:   make(chan SendResult, 1),
	}
}

func (p *pendingCopy) observe(res SendResult) {
	if res.ChatID != p.chatID {
		return
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.resolved {
		return
	}
	if p.tempID == 0 {
		p.early[res.TemporaryID] = res
		return
	}
	if res.TemporaryID == p.tempID {
		p.resolved = true
		p.done <- res
	}
}

func (p *pendingCopy) bind(tempID MessageID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.tempID = tempID
	if res, ok := p.early[tempID]; ok {
		p.resolved = true
		p.done <- res
	}
	p.early = nil
}

func (p *pendingCopy) wait(ctx context.Context, tempID MessageID, timeout time.Duration) (SendResult, bool, error) {
	p.bind(tempID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.done:
		return res, true, nil
	case <-timer.C:
		return SendResult{}, false, nil
	case <-ctx.Done():
		return SendResult{}, false, ctx.Err()
	}
}
