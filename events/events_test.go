package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/events"
	"github.com/warp/loyalty-engine/loyalty"
)

func TestPublisher_StampsEvents(t *testing.T) {
	rec := &events.Recorder{}
	pub := events.NewPublisher(rec, zerolog.Nop())

	pub.Publish(context.Background(), events.Event{Type: events.PointsAccrued, Account: alice, Points: 10})

	got := rec.Events()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].At.IsZero())
}

func TestPublisher_NilDropsEverything(t *testing.T) {
	var pub *events.Publisher

	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), events.Event{Type: events.PointsExpired})
	})
}

func TestPublisher_SinkFailureIsLogged(t *testing.T) {
	// GIVEN: A sink that fails after recording
	var buf bytes.Buffer
	rec := &events.Recorder{Fail: errors.New("broker down")}
	pub := events.NewPublisher(rec, zerolog.New(&buf))

	// WHEN: Publishing
	pub.Publish(context.Background(), events.Event{Type: events.RedemptionDenied, Account: alice})

	// THEN: The caller never sees the error, a warning is logged
	assert.Len(t, rec.Events(), 1)
	assert.Contains(t, buf.String(), "event emission failed")
	assert.Contains(t, buf.String(), "broker down")
}

func TestFanout_AttemptsEverySink(t *testing.T) {
	failing := &events.Recorder{Fail: errors.New("first")}
	ok := &events.Recorder{}

	err := events.Fanout{failing, ok}.Emit(context.Background(), events.Event{Type: events.PointsReversed})

	assert.ErrorContains(t, err, "first")
	assert.Len(t, failing.Events(), 1)
	assert.Len(t, ok.Events(), 1)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer

	err := events.LogSink{Log: zerolog.New(&buf)}.Emit(context.Background(), events.Event{
		ID: "e-1", Type: events.PointsAccrued, Account: alice, Points: 42, RefID: "tx-1",
	})

	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "PointsAccrued", line["event"])
	assert.Equal(t, "alice", line["user_id"])
	assert.Equal(t, float64(42), line["points"])
}

func TestRecorder_OfType(t *testing.T) {
	rec := &events.Recorder{}
	ctx := context.Background()
	require.NoError(t, rec.Emit(ctx, events.Event{Type: events.PointsAccrued}))
	require.NoError(t, rec.Emit(ctx, events.Event{Type: events.PointsExpired}))
	require.NoError(t, rec.Emit(ctx, events.Event{Type: events.PointsAccrued}))

	assert.Len(t, rec.OfType(events.PointsAccrued), 2)
	assert.Empty(t, rec.OfType(events.RedemptionCompleted))
}

func TestRedisSink_Channel(t *testing.T) {
	sink := events.NewRedisSink(nil, "")

	assert.Equal(t, "loyalty:events:PointsExpired", sink.Channel(events.PointsExpired))
}

func TestRedisSink_Publishes(t *testing.T) {
	url := os.Getenv("LOYALTY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LOYALTY_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sink := events.NewRedisSink(client, "loyalty-test:")
	sub := client.Subscribe(ctx, sink.Channel(events.PointsAccrued))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Emit(ctx, events.Event{ID: "e-1", Type: events.PointsAccrued, Account: alice, Points: 5}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got events.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "e-1", got.ID)
	assert.Equal(t, int64(5), got.Points)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

var alice = loyalty.AccountKey{UserID: "alice", CardID: "card-1"}
