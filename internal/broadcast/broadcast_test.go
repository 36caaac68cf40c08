package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/prices"
)

func sampleEvent() Event {
	return NewEvent(prices.PriceMap{prices.XAUUSD: {Price: 2365.1}}, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestEvent_WireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(sampleEvent())
	require.NoError(t, err)
	require.JSONEq(t, `{"data":{"XAU/USD":{"price":2365.1}},"timestamp":"2025-03-01T12:00:00Z"}`, string(b))
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), sampleEvent().Time())
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestHub_NewSubscriberGetsLastEvent(t *testing.T) {
	t.Parallel()

	// Arrange
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()
	require.NoError(t, hub.Publish(t.Context(), "prices", sampleEvent()))

	// Act
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Assert
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, sampleEvent(), got)

	next := NewEvent(prices.PriceMap{prices.SPY: {Price: 541}}, time.Now())
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(t.Context(), "prices", next))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, next.Data, got.Data)
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	stuck := &client{out: make(chan Event), done: make(chan struct{})}
	hub.clients[stuck] = struct{}{}

	done := make(chan error, 1)
	go func() { done <- hub.Publish(context.Background(), "prices", sampleEvent()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	last, ok := hub.Last()
	require.True(t, ok)
	require.Equal(t, sampleEvent(), last)
}

func TestSubscribe_DeliversUntilCanceled(t *testing.T) {
	t.Parallel()

	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()
	require.NoError(t, hub.Publish(t.Context(), "prices", sampleEvent()))

	ctx, cancel := context.WithCancel(t.Context())
	got := make(chan Event, 4)
	errc := make(chan error, 1)
	go func() { errc <- Subscribe(ctx, wsURL(srv), func(ev Event) { got <- ev }, nil) }()

	select {
	case ev := <-got:
		require.Equal(t, sampleEvent(), ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not stop")
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher(t *testing.T) {
	t.Parallel()

	fr := &fakeRedis{}
	p := &RedisPublisher{client: fr}
	require.NoError(t, p.Publish(t.Context(), "prices", sampleEvent()))
	require.Equal(t, "prices", fr.channel)
	require.JSONEq(t, `{"data":{"XAU/USD":{"price":2365.1}},"timestamp":"2025-03-01T12:00:00Z"}`, string(fr.payload))

	fr.err = errors.New("connection refused")
	require.ErrorContains(t, p.Publish(t.Context(), "prices", sampleEvent()), "connection refused")
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_TopicIsChannel(t *testing.T) {
	t.Parallel()

	fw := &fakeWriter{}
	p := &KafkaPublisher{w: fw}
	require.NoError(t, p.Publish(t.Context(), "price-updates", sampleEvent()))
	require.Len(t, fw.msgs, 1)
	require.Equal(t, "price-updates", fw.msgs[0].Topic)

	var ev Event
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &ev))
	require.Equal(t, sampleEvent(), ev)
}

func TestMulti_JoinsErrorsAndPublishesToAll(t *testing.T) {
	t.Parallel()

	fw := &fakeWriter{}
	fr := &fakeRedis{err: errors.New("redis down")}
	hub := NewHub(nil)

	err := Multi{&RedisPublisher{client: fr}, &KafkaPublisher{w: fw}, hub}.Publish(t.Context(), "prices", sampleEvent())

	require.ErrorContains(t, err, "redis down")
	require.Len(t, fw.msgs, 1)
	_, ok := hub.Last()
	require.True(t, ok)
}
