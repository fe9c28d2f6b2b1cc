package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatroom-service/internal/identity"
	"chatroom-service/internal/mocks"
	"chatroom-service/internal/models"
	"chatroom-service/internal/protocol"
	"chatroom-service/internal/repositories"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	if r.fail {
		return ErrSendBufferFull
	}
	r.frames = append(r.frames, append([]byte(nil), data...))
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recorder) raw() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

func (r *recorder) ofType(t *testing.T, frameType string) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for _, data := range r.raw() {
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) lastError(t *testing.T) (protocol.Frame, protocol.ErrorPayload) {
	t.Helper()
	errs := r.ofType(t, protocol.TypeSystemError)
	require.NotEmpty(t, errs, "expected a system:error frame")
	f := errs[len(errs)-1]
	var p protocol.ErrorPayload
	require.NoError(t, f.DecodePayload(&p))
	return f, p
}

type harness struct {
	engine *Engine
	store  *repositories.MemoryMessageStore
	rooms  *repositories.MemoryChatrooms
	clock  *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := repositories.NewMemoryMessageStore()
	rooms := repositories.NewMemoryChatrooms(
		models.Chatroom{ID: 42, Name: "Lisbon", Kind: "city"},
		models.Chatroom{ID: 7, Name: "Porto", Kind: "city"},
		models.Chatroom{ID: 9, Name: "Secret meetup", Kind: "meetup", IsPrivate: true},
	)
	clock := newFakeClock()
	tracker := newTestTracker(clock)
	opts = append([]Option{WithLogger(slogt.New(t))}, opts...)
	return &harness{
		engine: NewEngine(NewRegistry(), tracker, store, rooms, opts...),
		store:  store,
		rooms:  rooms,
		clock:  clock,
	}
}

type client struct {
	id  string
	out *recorder
}

func (h *harness) send(c client, frame string) {
	h.engine.HandleFrame(context.Background(), c.id, []byte(frame))
}

// connect opens and authenticates a session for userID.
func (h *harness) connect(t *testing.T, userID int, username string) client {
	t.Helper()
	out := newRecorder()
	sess, err := h.engine.Connect(out, nil, ConnInfo{})
	require.NoError(t, err)
	c := client{id: sess.ID, out: out}
	h.send(c, fmt.Sprintf(`{"type":"auth","userId":%d,"username":%q}`, userID, username))
	got, ok := h.engine.Registry().Get(c.id)
	require.True(t, ok)
	require.Equal(t, StateAuthenticated, got.State)
	return c
}

// join subscribes c to chatroomID and clears recorded frames.
func (h *harness) join(t *testing.T, c client, chatroomID int) {
	t.Helper()
	h.send(c, fmt.Sprintf(`{"type":"sync:history","chatroomId":%d,"payload":{}}`, chatroomID))
	require.Len(t, c.out.ofType(t, protocol.TypeSyncResponse), 1)
	c.out.reset()
}

func decodeMessage(t *testing.T, f protocol.Frame) models.Message {
	t.Helper()
	var msg models.Message
	require.NoError(t, f.DecodePayload(&msg))
	return msg
}

func TestEngineMessageFanOut(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"hello","messageType":"text","replyToId":null},"correlationId":"c-1"}`)

	aFrames := a.out.ofType(t, protocol.TypeMessageNew)
	bFrames := b.out.ofType(t, protocol.TypeMessageNew)
	require.Len(t, aFrames, 1)
	require.Len(t, bFrames, 1)
	assert.Equal(t, "c-1", aFrames[0].CorrelationID)

	aMsg := decodeMessage(t, aFrames[0])
	bMsg := decodeMessage(t, bFrames[0])
	assert.Equal(t, aMsg.ID, bMsg.ID)
	assert.Equal(t, "hello", bMsg.Content)
	assert.Equal(t, 42, bMsg.ChatroomID)
	require.NotNil(t, bMsg.Sender)
	assert.Equal(t, "ana", bMsg.Sender.Username)

	h.send(b, `{"type":"sync:history","chatroomId":42,"payload":{}}`)
	responses := b.out.ofType(t, protocol.TypeSyncResponse)
	require.Len(t, responses, 1)
	var sync protocol.SyncResponsePayload
	require.NoError(t, responses[0].DecodePayload(&sync))
	require.NotEmpty(t, sync.Messages)
	assert.Equal(t, aMsg.ID, sync.Messages[len(sync.Messages)-1].ID)
}

func TestEngineTypingClearedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	h.send(a, `{"type":"typing:start","chatroomId":42}`)
	starts := b.out.ofType(t, protocol.TypeTypingStart)
	require.Len(t, starts, 1)
	assert.Equal(t, 1, starts[0].UserID)
	assert.Empty(t, a.out.ofType(t, protocol.TypeTypingStart), "typing is not echoed to the typist")

	h.engine.Disconnect(a.id)
	stops := b.out.ofType(t, protocol.TypeTypingStop)
	require.Len(t, stops, 1)
	var p protocol.TypingPayload
	require.NoError(t, stops[0].DecodePayload(&p))
	assert.Equal(t, 1, p.UserID)
	assert.False(t, h.engine.Typing().IsTyping(42, 1))
	assert.True(t, a.out.isClosed())
}

func TestEngineTypingExpiresWithoutStop(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	h.send(a, `{"type":"typing:start","chatroomId":42}`)
	h.send(a, `{"type":"typing:start","chatroomId":42}`)
	require.Len(t, b.out.ofType(t, protocol.TypeTypingStart), 1, "refresh is not rebroadcast")

	h.clock.Advance(7 * time.Second)
	assert.Empty(t, h.engine.Typing().Typing(42))

	h.engine.Sweep()
	require.Len(t, b.out.ofType(t, protocol.TypeTypingStop), 1)

	h.engine.Sweep()
	assert.Len(t, b.out.ofType(t, protocol.TypeTypingStop), 1)
}

func TestEngineTypingIgnoredWhenNotSubscribed(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, b, 42)

	h.send(a, `{"type":"typing:start","chatroomId":42}`)
	assert.Empty(t, b.out.raw())
	assert.Empty(t, a.out.raw(), "typing errors are silent")
	assert.False(t, h.engine.Typing().IsTyping(42, 1))
}

func TestEngineReactionToggle(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	msg, err := h.store.Append(context.Background(), 42, 2, "nice view", nil)
	require.NoError(t, err)
	frame := fmt.Sprintf(`{"type":"message:reaction","chatroomId":42,"payload":{"messageId":%d,"emoji":"❤️"}}`, msg.ID)

	h.send(a, frame)
	h.send(a, frame)

	updates := b.out.ofType(t, protocol.TypeMessageReaction)
	require.Len(t, updates, 2)

	var first, second protocol.ReactionUpdatePayload
	require.NoError(t, updates[0].DecodePayload(&first))
	require.NoError(t, updates[1].DecodePayload(&second))
	assert.Equal(t, protocol.ReactionAdded, first.Action)
	assert.Equal(t, []int{1}, first.Reactions["❤️"])
	assert.Equal(t, protocol.ReactionRemoved, second.Action)
	assert.Equal(t, []int{}, second.Reactions["❤️"])

	raw := b.out.raw()
	assert.Contains(t, string(raw[len(raw)-1]), `"reactions":{"❤️":[]}`)
}

func TestEngineReactionNeverDuplicates(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	a2 := h.connect(t, 1, "ana")
	h.join(t, a, 42)
	h.join(t, a2, 42)

	msg, err := h.store.Append(context.Background(), 42, 2, "hi", nil)
	require.NoError(t, err)
	frame := fmt.Sprintf(`{"type":"message:reaction","chatroomId":42,"payload":{"messageId":%d,"emoji":"👍"}}`, msg.ID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); h.send(a, frame) }()
		go func() { defer wg.Done(); h.send(a2, frame) }()
	}
	wg.Wait()

	stored, err := h.store.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stored.Reactions["👍"]), 1)
	assert.Empty(t, stored.Reactions["👍"], "an even number of toggles leaves no reaction")
}

func TestEngineReactionErrors(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	h.join(t, a, 42)

	other, err := h.store.Append(context.Background(), 7, 2, "porto", nil)
	require.NoError(t, err)

	h.send(a, fmt.Sprintf(`{"type":"message:reaction","chatroomId":42,"payload":{"messageId":%d,"emoji":"❤️"}}`, other.ID))
	_, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeMessageNotFound, p.Code)

	h.send(a, `{"type":"message:reaction","chatroomId":42,"payload":{"messageId":999,"emoji":"❤️"}}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeMessageNotFound, p.Code)

	h.send(a, `{"type":"message:reaction","chatroomId":42,"payload":{"messageId":1}}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)
	assert.Contains(t, p.Message, "emoji")

	h.send(a, fmt.Sprintf(`{"type":"message:reaction","chatroomId":7,"payload":{"messageId":%d,"emoji":"❤️"}}`, other.ID))
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeNotSubscribed, p.Code)

	stored, err := h.store.GetMessage(context.Background(), other.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
}

func TestEngineRejectsCrossChatroomReply(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	other, err := h.store.Append(context.Background(), 7, 3, "in porto", nil)
	require.NoError(t, err)

	h.send(a, fmt.Sprintf(`{"type":"message:new","chatroomId":42,"payload":{"content":"re","replyToId":%d},"correlationId":"c-9"}`, other.ID))

	f, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidReplyTarget, p.Code)
	assert.Equal(t, "c-9", f.CorrelationID)
	assert.Empty(t, a.out.ofType(t, protocol.TypeMessageNew))
	assert.Empty(t, b.out.raw())

	history, err := h.store.History(context.Background(), 42, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngineReplyInSameChatroom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	h.join(t, a, 42)

	root, err := h.store.Append(context.Background(), 42, 2, "root", nil)
	require.NoError(t, err)
	h.send(a, fmt.Sprintf(`{"type":"message:new","chatroomId":42,"payload":{"content":"re","replyToId":%d}}`, root.ID))

	frames := a.out.ofType(t, protocol.TypeMessageNew)
	require.Len(t, frames, 1)
	msg := decodeMessage(t, frames[0])
	require.NotNil(t, msg.ReplyToID)
	assert.Equal(t, root.ID, *msg.ReplyToID)
}

func TestEngineAuthRules(t *testing.T) {
	h := newHarness(t)

	out := newRecorder()
	sess, err := h.engine.Connect(out, nil, ConnInfo{})
	require.NoError(t, err)
	c := client{id: sess.ID, out: out}

	h.send(c, `{"type":"sync:history","chatroomId":42,"payload":{}}`)
	_, p := out.lastError(t)
	assert.Equal(t, protocol.CodeNotAuthenticated, p.Code)

	h.send(c, `{"type":"message:new","chatroomId":42,"payload":{"content":"hi"}}`)
	_, p = out.lastError(t)
	assert.Equal(t, protocol.CodeNotAuthenticated, p.Code)

	h.send(c, `{"type":"auth"}`)
	_, p = out.lastError(t)
	assert.Equal(t, protocol.CodeAuthFailed, p.Code)
	got, _ := h.engine.Registry().Get(c.id)
	assert.Equal(t, StateConnected, got.State)

	h.send(c, `{"type":"auth","userId":5,"username":"eve"}`)
	got, _ = h.engine.Registry().Get(c.id)
	assert.Equal(t, StateAuthenticated, got.State)
	assert.Equal(t, 5, got.UserID())

	h.send(c, `{"type":"auth","userId":6}`)
	_, p = out.lastError(t)
	assert.Equal(t, protocol.CodeAuthFailed, p.Code)
	got, _ = h.engine.Registry().Get(c.id)
	assert.Equal(t, 5, got.UserID())
}

func TestEngineAuthUsesVerifiedIdentity(t *testing.T) {
	h := newHarness(t)
	verified := identity.Identity{UserID: 8, Username: "verified", Name: "Vera"}

	out := newRecorder()
	sess, err := h.engine.Connect(out, &verified, ConnInfo{})
	require.NoError(t, err)
	c := client{id: sess.ID, out: out}

	h.send(c, `{"type":"auth","userId":9,"username":"spoof"}`)
	_, p := out.lastError(t)
	assert.Equal(t, protocol.CodeAuthFailed, p.Code)

	h.send(c, `{"type":"auth","userId":8,"username":"ignored"}`)
	got, ok := h.engine.Registry().Get(c.id)
	require.True(t, ok)
	assert.Equal(t, StateAuthenticated, got.State)
	assert.Equal(t, verified, got.Identity)
}

func TestEngineSyncHistory(t *testing.T) {
	h := newHarness(t, WithHistoryLimits(2, 3))
	a := h.connect(t, 1, "ana")

	for i := 0; i < 5; i++ {
		_, err := h.store.Append(context.Background(), 42, 2, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	h.send(a, `{"type":"sync:history","chatroomId":42,"payload":{},"correlationId":"h-1"}`)
	responses := a.out.ofType(t, protocol.TypeSyncResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, 42, responses[0].ChatroomID)
	assert.Equal(t, "h-1", responses[0].CorrelationID)

	var page protocol.SyncResponsePayload
	require.NoError(t, responses[0].DecodePayload(&page))
	assert.True(t, page.HasMore)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m3", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[1].Content)
	assert.True(t, h.engine.Registry().IsSubscribed(a.id, 42))

	a.out.reset()
	h.send(a, fmt.Sprintf(`{"type":"sync:history","chatroomId":42,"payload":{"beforeId":%d,"limit":50}}`, page.Messages[0].ID))
	responses = a.out.ofType(t, protocol.TypeSyncResponse)
	require.Len(t, responses, 1)
	require.NoError(t, responses[0].DecodePayload(&page))
	assert.False(t, page.HasMore)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m0", page.Messages[0].Content)
}

func TestEngineSyncHistoryUnknownChatroom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")

	for _, room := range []int{404, 9} {
		h.send(a, fmt.Sprintf(`{"type":"sync:history","chatroomId":%d,"payload":{}}`, room))
		_, p := a.out.lastError(t)
		assert.Equal(t, protocol.CodeUnknownChatroom, p.Code)
		assert.False(t, h.engine.Registry().IsSubscribed(a.id, room))
	}

	h.rooms.AddMember(9, 1)
	h.join(t, a, 9)
	assert.True(t, h.engine.Registry().IsSubscribed(a.id, 9))
}

func TestEngineMessageValidation(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	h.join(t, a, 42)

	h.send(a, `{"type":"message:new","chatroomId":7,"payload":{"content":"hi"}}`)
	_, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeNotSubscribed, p.Code)

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"   "},"correlationId":"c-2"}`)
	f, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeEmptyContent, p.Code)
	assert.Equal(t, "c-2", f.CorrelationID)

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"hi","messageType":"system"}}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)

	assert.Empty(t, a.out.ofType(t, protocol.TypeMessageNew))
}

func TestEngineMalformedFramesKeepSessionOpen(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	h.join(t, a, 42)

	h.send(a, `{not json`)
	_, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)

	h.send(a, `{"type":"message:delete","chatroomId":42}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeUnsupportedFrame, p.Code)

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":"oops"}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)

	assert.False(t, a.out.isClosed())
	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"still here"}}`)
	assert.Len(t, a.out.ofType(t, protocol.TypeMessageNew), 1)
}

func TestEngineStoreFailureIsReported(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	rooms := repositories.NewMemoryChatrooms(models.Chatroom{ID: 42})
	e := NewEngine(NewRegistry(), NewTypingTracker(0), store, rooms, WithLogger(slogt.New(t)))
	h := &harness{engine: e}

	a := h.connect(t, 1, "ana")
	store.On("History", mock.Anything, 42, (*int)(nil), DefaultHistoryLimit+1).Return([]models.Message{}, nil).Once()
	h.join(t, a, 42)

	store.On("Append", mock.Anything, 42, 1, "hi", (*int)(nil)).Return(nil, fmt.Errorf("dial tcp: connection refused")).Once()
	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"hi"},"correlationId":"c-3"}`)

	f, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeStoreUnavailable, p.Code)
	assert.Equal(t, ErrStoreUnavailable.Error(), p.Message)
	assert.Equal(t, "c-3", f.CorrelationID)

	store.On("History", mock.Anything, 42, (*int)(nil), DefaultHistoryLimit+1).Return(nil, fmt.Errorf("timeout")).Once()
	h.send(a, `{"type":"sync:history","chatroomId":42,"payload":{}}`)
	_, p = a.out.lastError(t)
	assert.Equal(t, protocol.CodeStoreUnavailable, p.Code)
	store.AssertExpectations(t)
}

func TestEngineFanOutDropsFailedSessions(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	c := h.connect(t, 3, "cy")
	h.join(t, a, 42)
	h.join(t, b, 42)
	h.join(t, c, 42)

	c.out.mu.Lock()
	c.out.fail = true
	c.out.mu.Unlock()

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"hello"}}`)
	assert.Len(t, a.out.ofType(t, protocol.TypeMessageNew), 1)
	assert.Len(t, b.out.ofType(t, protocol.TypeMessageNew), 1)

	_, ok := h.engine.Registry().Get(c.id)
	assert.False(t, ok)
	assert.True(t, c.out.isClosed())
	for _, s := range h.engine.Registry().SessionsFor(42) {
		assert.NotEqual(t, c.id, s.ID)
	}
}

func TestEngineOrderingUnderConcurrentSends(t *testing.T) {
	h := newHarness(t)
	senders := make([]client, 4)
	for i := range senders {
		senders[i] = h.connect(t, i+1, fmt.Sprintf("u%d", i+1))
		h.join(t, senders[i], 42)
	}
	watcher := h.connect(t, 99, "watch")
	h.join(t, watcher, 42)

	var wg sync.WaitGroup
	for _, s := range senders {
		wg.Add(1)
		go func(s client) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				h.send(s, fmt.Sprintf(`{"type":"message:new","chatroomId":42,"payload":{"content":"m%d"}}`, i))
			}
		}(s)
	}
	wg.Wait()

	for _, c := range append(senders, watcher) {
		frames := c.out.ofType(t, protocol.TypeMessageNew)
		require.Len(t, frames, 40)
		prev := 0
		for _, f := range frames {
			msg := decodeMessage(t, f)
			assert.Greater(t, msg.ID, prev)
			prev = msg.ID
		}
	}

	history, err := h.store.History(context.Background(), 42, nil, 0)
	require.NoError(t, err)
	require.Len(t, history, 40)
	watched := watcher.out.ofType(t, protocol.TypeMessageNew)
	for i, msg := range history {
		assert.Equal(t, msg.ID, decodeMessage(t, watched[i]).ID)
	}
}

func TestEngineDisconnectCleansRegistry(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")
	h.join(t, a, 42)
	h.join(t, a, 7)

	h.engine.Disconnect(a.id)
	h.engine.Disconnect(a.id)

	assert.Empty(t, h.engine.Registry().SessionsFor(42))
	assert.Empty(t, h.engine.Registry().SessionsFor(7))
	assert.Zero(t, h.engine.Registry().Count())

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"ghost"}}`)
	history, err := h.store.History(context.Background(), 42, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type fakeRelay struct {
	mu        sync.Mutex
	published []int
	excluded  []int
}

func (f *fakeRelay) Publish(_ context.Context, chatroomID int, excludeUserID int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, chatroomID)
	f.excluded = append(f.excluded, excludeUserID)
	return nil
}

func TestEngineRelay(t *testing.T) {
	relay := &fakeRelay{}
	h := newHarness(t, WithRelay(relay))
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, a, 42)
	h.join(t, b, 42)

	h.send(a, `{"type":"message:new","chatroomId":42,"payload":{"content":"hi"}}`)
	h.send(a, `{"type":"typing:start","chatroomId":42}`)
	assert.Equal(t, []int{42, 42}, relay.published)
	assert.Equal(t, []int{0, 1}, relay.excluded)

	a.out.reset()
	b.out.reset()
	h.engine.DeliverRelayed(42, 2, []byte(`{"type":"typing:start","chatroomId":42,"userId":2}`))
	assert.Len(t, a.out.ofType(t, protocol.TypeTypingStart), 1)
	assert.Empty(t, b.out.raw())
}

// gatedStore parks the next armed History call after its read until release
// is closed.
type gatedStore struct {
	*repositories.MemoryMessageStore
	armed   chan struct{}
	read    chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryMessageStore: repositories.NewMemoryMessageStore(),
		armed:              make(chan struct{}, 1),
		read:               make(chan struct{}),
		release:            make(chan struct{}),
	}
}

func (s *gatedStore) History(ctx context.Context, chatroomID int, beforeID *int, limit int) ([]models.Message, error) {
	msgs, err := s.MemoryMessageStore.History(ctx, chatroomID, beforeID, limit)
	select {
	case <-s.armed:
		close(s.read)
		<-s.release
	default:
	}
	return msgs, err
}

func TestEngineSyncResponsePrecedesConcurrentAppend(t *testing.T) {
	store := newGatedStore()
	rooms := repositories.NewMemoryChatrooms(models.Chatroom{ID: 42, Name: "Lisbon", Kind: "city"})
	h := &harness{
		engine: NewEngine(NewRegistry(), newTestTracker(newFakeClock()), store, rooms, WithLogger(slogt.New(t))),
		rooms:  rooms,
	}
	a := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, b, 42)

	store.armed <- struct{}{}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.send(a, `{"type":"sync:history","chatroomId":42,"payload":{}}`)
	}()
	<-store.read
	go func() {
		defer wg.Done()
		h.send(b, `{"type":"message:new","chatroomId":42,"payload":{"content":"racing"}}`)
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	wg.Wait()

	var types []string
	for _, data := range a.out.raw() {
		var f protocol.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		types = append(types, f.Type)
	}
	require.Equal(t, []string{protocol.TypeSyncResponse, protocol.TypeMessageNew}, types)
	assert.Equal(t, "racing", decodeMessage(t, a.out.ofType(t, protocol.TypeMessageNew)[0]).Content)

	var sync protocol.SyncResponsePayload
	require.NoError(t, a.out.ofType(t, protocol.TypeSyncResponse)[0].DecodePayload(&sync))
	assert.Empty(t, sync.Messages)
}

func TestEngineDisconnectKeepsTypingForLiveSibling(t *testing.T) {
	h := newHarness(t)
	phone := h.connect(t, 1, "ana")
	laptop := h.connect(t, 1, "ana")
	b := h.connect(t, 2, "bo")
	h.join(t, phone, 42)
	h.join(t, laptop, 42)
	h.join(t, b, 42)

	h.send(laptop, `{"type":"typing:start","chatroomId":42}`)
	require.Len(t, b.out.ofType(t, protocol.TypeTypingStart), 1)

	h.engine.Disconnect(phone.id)
	assert.Empty(t, b.out.ofType(t, protocol.TypeTypingStop))
	assert.True(t, h.engine.typing.IsTyping(42, 1))

	h.engine.Disconnect(laptop.id)
	stops := b.out.ofType(t, protocol.TypeTypingStop)
	require.Len(t, stops, 1)
	assert.Equal(t, 1, stops[0].UserID)
	assert.False(t, h.engine.typing.IsTyping(42, 1))
}

func TestEngineRejectOversizedKeepsSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, 1, "ana")

	h.engine.RejectOversized(a.id)
	_, p := a.out.lastError(t)
	assert.Equal(t, protocol.CodeInvalidFrame, p.Code)
	assert.False(t, a.out.isClosed())

	h.engine.RejectOversized("gone")
	assert.Len(t, a.out.ofType(t, protocol.TypeSystemError), 1)
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotAuthenticated, protocol.CodeNotAuthenticated},
		{ErrIdentityMismatch, protocol.CodeAuthFailed},
		{fmt.Errorf("authenticate: %w", ErrUnknownSession), protocol.CodeAuthFailed},
		{ErrUnknownChatroom, protocol.CodeUnknownChatroom},
		{fmt.Errorf("%w: bad", ErrInvalidFrame), protocol.CodeInvalidFrame},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorCode(tt.err))
		})
	}
}
