package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiterd/internal/types"
)

type stubHandler struct {
	mu       sync.Mutex
	messages []types.Message
	reply    interface{}
	err      error
	delay    time.Duration
}

func (h *stubHandler) HandleMessage(ctx context.Context, msg types.Message) (interface{}, error) {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
	return h.reply, h.err
}

func (h *stubHandler) received() []types.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

func TestBus_RegisterRejectsDuplicates(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Register("alpha", &stubHandler{}, PeerMeta{Role: types.RoleWorker}))
	err := b.Register("alpha", &stubHandler{}, PeerMeta{})
	require.Error(t, err)
}

func TestBus_RegisterRejectsReservedNames(t *testing.T) {
	b := New()
	defer b.Close()
	assert.Error(t, b.Register(types.Broadcast, &stubHandler{}, PeerMeta{}))
	assert.Error(t, b.Register(types.SystemSender, &stubHandler{}, PeerMeta{}))
	assert.Error(t, b.Register("", &stubHandler{}, PeerMeta{}))
}

func TestBus_SendDeliversAndReturnsResult(t *testing.T) {
	b := New()
	defer b.Close()

	h := &stubHandler{reply: "ack"}
	require.NoError(t, b.Register("alpha", h, PeerMeta{}))
	require.NoError(t, b.Register("beta", &stubHandler{}, PeerMeta{}))

	res, err := b.Send(context.Background(), types.Message{From: "beta", To: "alpha", Type: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "ack", res)

	got := h.received()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBus_SendUnknownPeer(t *testing.T) {
	b := New()
	defer b.Close()
	require.NoError(t, b.Register("alpha", &stubHandler{}, PeerMeta{}))

	_, err := b.Send(context.Background(), types.Message{From: "alpha", To: "ghost", Type: "ping"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPeerUnknown))
}

func TestBus_SendRejectsUnregisteredSender(t *testing.T) {
	b := New()
	defer b.Close()
	require.NoError(t, b.Register("alpha", &stubHandler{}, PeerMeta{}))

	_, err := b.Send(context.Background(), types.Message{From: "ghost", To: "alpha", Type: "ping"})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindPeerUnknown))
}

func TestBus_SystemSentinelMaySend(t *testing.T) {
	b := New()
	defer b.Close()
	require.NoError(t, b.Register("alpha", &stubHandler{}, PeerMeta{}))

	_, err := b.Send(context.Background(), types.Message{
		From: types.SystemSender, To: "alpha", Type: types.MsgTimePulse,
	})
	assert.NoError(t, err)
}

func TestBus_BroadcastNeverAwaited(t *testing.T) {
	b := New()
	defer b.Close()

	slow := &stubHandler{delay: 300 * time.Millisecond}
	require.NoError(t, b.Register("slow", slow, PeerMeta{}))
	require.NoError(t, b.Register("fast", &stubHandler{}, PeerMeta{}))

	start := time.Now()
	res, err := b.Send(context.Background(), types.Message{
		From: types.SystemSender, To: types.Broadcast, Type: types.MsgTimePulse,
	})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Eventually both peers receive it.
	assert.Eventually(t, func() bool {
		return len(slow.received()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBus_RequestTimeout(t *testing.T) {
	b := New()
	defer b.Close()

	require.NoError(t, b.Register("slow", &stubHandler{delay: time.Second}, PeerMeta{}))

	_, err := b.Request(context.Background(), types.SystemSender, "slow", "ask", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTimeout))
}

func TestBus_RequestCarriesCorrelation(t *testing.T) {
	b := New()
	defer b.Close()

	h := &stubHandler{reply: 42}
	require.NoError(t, b.Register("alpha", h, PeerMeta{}))

	res, err := b.Request(context.Background(), types.SystemSender, "alpha", "ask", "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42, res)

	got := h.received()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].CorrelationID)
}

func TestBus_PublishFIFOPerPublisher(t *testing.T) {
	b := New()
	defer b.Close()

	h := &stubHandler{}
	require.NoError(t, b.Register("sub", h, PeerMeta{}))
	require.NoError(t, b.Subscribe("sub", "news"))

	for i := 0; i < 5; i++ {
		b.Publish(types.SystemSender, "news", i)
	}

	require.Eventually(t, func() bool {
		return len(h.received()) == 5
	}, 2*time.Second, 10*time.Millisecond)

	got := h.received()
	for i, msg := range got {
		assert.Equal(t, i, msg.Payload)
	}
}

func TestBus_PublishToUnsubscribedTopicIsNoop(t *testing.T) {
	b := New()
	defer b.Close()
	b.Publish(types.SystemSender, "void", "x") // must not panic or block
}

func TestBus_HeartbeatOnlyFromRegistered(t *testing.T) {
	b := New()
	defer b.Close()
	require.NoError(t, b.Register("alpha", &stubHandler{}, PeerMeta{}))

	require.NoError(t, b.Heartbeat("alpha", types.Health{State: types.HealthHealthy}))
	seen, ok := b.LastSeen("alpha")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), seen, time.Second)

	err := b.Heartbeat("ghost", types.Health{})
	assert.True(t, types.IsKind(err, types.KindPeerUnknown))
}

func TestBus_UnregisterRemovesSubscriptions(t *testing.T) {
	b := New()
	defer b.Close()

	h := &stubHandler{}
	require.NoError(t, b.Register("sub", h, PeerMeta{}))
	require.NoError(t, b.Subscribe("sub", "news"))
	b.Unregister("sub")

	b.Publish(types.SystemSender, "news", "lost")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.received())
}
