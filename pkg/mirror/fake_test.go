package mirror

import (
	"context"
	"errors"
	"slices"
	"sync"
)

type confirmMode int

const (
	// confirmAsync delivers the send result from another goroutine after
	// ForwardMessages returned.
	confirmAsync confirmMode = iota
	// confirmEarly delivers the send result before ForwardMessages returns.
	confirmEarly
	confirmNever
	confirmFail
)

// fakeClient is an in-memory chat server. Chats are stored oldest-first.
type fakeClient struct {
	lock        sync.Mutex
	chats       map[ChatID][]*Message
	nextID      map[ChatID]MessageID
	nextTemp    MessageID
	subscribers map[int]func(SendResult)
	subSeq      int

	confirm     confirmMode
	notCopyable map[MessageID]bool
	historyErr  map[ChatID]error
	forwardErr  map[MessageID]error
	// inclusiveCursor makes history pages include the cursor message itself.
	inclusiveCursor bool
	// interleave delivers an unrelated message to the destination right
	// after each copy, before the confirmation.
	interleave bool

	forwarded    []MessageID
	historyCalls int
	lookups      []MessageID
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		chats:       make(map[ChatID][]*Message),
		nextID:      make(map[ChatID]MessageID),
		nextTemp:    900000,
		subscribers: make(map[int]func(SendResult)),
		notCopyable: make(map[MessageID]bool),
		historyErr:  make(map[ChatID]error),
		forwardErr:  make(map[MessageID]error),
	}
}

func (f *fakeClient) addMessage(chat ChatID, id MessageID, contentType string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.chats[chat] = append(f.chats[chat], &Message{ID: id, ChatID: chat, ContentType: contentType})
	if id >= f.nextID[chat] {
		f.nextID[chat] = id + 1
	}
}

func (f *fakeClient) removeMessage(chat ChatID, id MessageID) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.chats[chat] = slices.DeleteFunc(f.chats[chat], func(m *Message) bool { return m.ID == id })
}

func (f *fakeClient) messageIDs(chat ChatID) []MessageID {
	f.lock.Lock()
	defer f.lock.Unlock()
	var ids []MessageID
	for _, m := range f.chats[chat] {
		ids = append(ids, m.ID)
	}
	return ids
}

func (f *fakeClient) forwardedIDs() []MessageID {
	f.lock.Lock()
	defer f.lock.Unlock()
	return slices.Clone(f.forwarded)
}

func (f *fakeClient) subscriberCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.subscribers)
}

func (f *fakeClient) GetChatHistory(_ context.Context, chatID ChatID, from MessageID, limit int) (*HistoryPage, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.historyCalls++
	if err := f.historyErr[chatID]; err != nil {
		return nil, err
	}
	page := &HistoryPage{}
	msgs := f.chats[chatID]
	for i := len(msgs) - 1; i >= 0 && len(page.Messages) < limit; i-- {
		m := msgs[i]
		if from != 0 && (m.ID > from || (m.ID == from && !f.inclusiveCursor)) {
			continue
		}
		copied := *m
		page.Messages = append(page.Messages, &copied)
	}
	page.TotalCount = len(page.Messages)
	return page, nil
}

func (f *fakeClient) ForwardMessages(_ context.Context, toChat, fromChat ChatID, ids []MessageID, _ bool) ([]*Message, error) {
	if len(ids) != 1 {
		return nil, errors.New("fake only forwards single messages")
	}
	id := ids[0]
	f.lock.Lock()
	f.forwarded = append(f.forwarded, id)
	if err := f.forwardErr[id]; err != nil {
		f.lock.Unlock()
		return nil, err
	}
	if f.notCopyable[id] {
		f.lock.Unlock()
		return []*Message{nil}, nil
	}
	var contentType string
	for _, m := range f.chats[fromChat] {
		if m.ID == id {
			contentType = m.ContentType
		}
	}
	f.nextTemp++
	temp := f.nextTemp
	perm := f.nextID[toChat]
	if perm == 0 {
		perm = 500
	}
	f.nextID[toChat] = perm + 1
	mode := f.confirm
	if mode != confirmFail {
		// The server stores the message even if the confirmation is lost.
		f.chats[toChat] = append(f.chats[toChat], &Message{ID: perm, ChatID: toChat, ContentType: contentType})
	}
	if f.interleave {
		other := f.nextID[toChat]
		f.nextID[toChat] = other + 1
		f.chats[toChat] = append(f.chats[toChat], &Message{ID: other, ChatID: toChat, ContentType: "messageText"})
	}
	f.lock.Unlock()

	result := SendResult{ChatID: toChat, TemporaryID: temp, PermanentID: perm}
	if mode == confirmFail {
		result = SendResult{ChatID: toChat, TemporaryID: temp, Failed: true, ErrorCode: 400, ErrorText: "MESSAGE_EMPTY"}
	}
	switch mode {
	case confirmEarly:
		f.publish(result)
	case confirmAsync, confirmFail:
		go f.publish(result)
	}
	return []*Message{{ID: temp, ChatID: toChat, ContentType: contentType}}, nil
}

func (f *fakeClient) publish(res SendResult) {
	// An unrelated send in another chat must never be picked up.
	f.notify(SendResult{ChatID: res.ChatID + 1, TemporaryID: res.TemporaryID, PermanentID: 1})
	f.notify(res)
}

func (f *fakeClient) notify(res SendResult) {
	f.lock.Lock()
	subs := make([]func(SendResult), 0, len(f.subscribers))
	for _, fn := range f.subscribers {
		subs = append(subs, fn)
	}
	f.lock.Unlock()
	for _, fn := range subs {
		fn(res)
	}
}

func (f *fakeClient) GetMessage(_ context.Context, chatID ChatID, id MessageID) (*Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.lookups = append(f.lookups, id)
	for _, m := range f.chats[chatID] {
		if m.ID == id {
			copied := *m
			return &copied, nil
		}
	}
	return nil, errors.New("message not found")
}

func (f *fakeClient) SubscribeSendResults(fn func(SendResult)) func() {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.subSeq++
	id := f.subSeq
	f.subscribers[id] = fn
	return func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		delete(f.subscribers, id)
	}
}

// memLedger is an in-memory Ledger that counts writes.
type memLedger struct {
	entries  map[MessageID]MessageID
	saved    map[MessageID]MessageID
	saves    int
	persists int
}

func newMemLedger(initial map[MessageID]MessageID) *memLedger {
	l := &memLedger{entries: make(map[MessageID]MessageID), saved: make(map[MessageID]MessageID)}
	for k, v := range initial {
		l.entries[k] = v
		l.saved[k] = v
	}
	return l
}

func (l *memLedger) Lookup(src MessageID) (MessageID, bool) {
	dst, ok := l.entries[src]
	return dst, ok
}

func (l *memLedger) Record(src, dst MessageID) {
	if _, ok := l.entries[src]; !ok {
		l.entries[src] = dst
	}
}

func (l *memLedger) Persist(_ context.Context, src, dst MessageID) error {
	l.Record(src, dst)
	l.saved[src] = l.entries[src]
	l.persists++
	return nil
}

func (l *memLedger) Save(_ context.Context) error {
	for k, v := range l.entries {
		l.saved[k] = v
	}
	l.saves++
	return nil
}

func (l *memLedger) Len() int {
	return len(l.entries)
}
