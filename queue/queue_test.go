package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/testutil"
	"github.com/BaSui01/spanflow/tracing/span"
)

func testSpans() []span.Span {
	parent := "00000000000000a1"
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	attrs := span.NewAttributes()
	attrs.SetPath(span.AttrCostMarginal, span.Float(0.002))

	return []span.Span{
		{TraceID: "0102030405060708090a0b0c0d0e0f10", SpanID: "00000000000000a1", Name: "root",
			StartTime: start, EndTime: start.Add(time.Second), Attributes: attrs},
		{TraceID: "0102030405060708090a0b0c0d0e0f10", SpanID: "00000000000000a2", ParentID: &parent, Name: "child",
			StartTime: start, EndTime: start.Add(time.Second)},
	}
}

func TestBatch_EncodeDecode(t *testing.T) {
	b := NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())

	data, err := b.Encode()
	require.NoError(t, err)

	got, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.OrganizationID, got.OrganizationID)
	require.Len(t, got.Spans, 2)
	assert.Equal(t, 0.002, got.Spans[0].OwnMetrics().Cost)
	assert.Equal(t, int64(1), got.RootCount())

	_, err = DecodeBatch([]byte("{"))
	assert.Error(t, err)
}

// =============================================================================
// Redis Streams
// =============================================================================

func setupRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func testRedisConfig() RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.Block = 50 * time.Millisecond
	cfg.MinIdle = 0
	return cfg
}

func TestRedisPublisher_Publish(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	cfg := testRedisConfig()

	pub := NewRedisPublisher(client, cfg, zap.NewNop())
	b := NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())
	require.NoError(t, pub.Publish(ctx, b))

	msgs, err := client.XRange(ctx, cfg.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, b.ID.String(), msgs[0].Values["batch_id"])

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish(ctx, b), ErrClosed)
}

func TestRedisConsumer_DeliversAndAcks(t *testing.T) {
	_, client := setupRedis(t)
	cfg := testRedisConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := NewRedisPublisher(client, cfg, zap.NewNop())
	consumer := NewRedisConsumer(client, cfg, zap.NewNop())
	require.NoError(t, consumer.EnsureGroup(ctx))
	// 重复创建消费组不报错
	require.NoError(t, consumer.EnsureGroup(ctx))

	want := []Batch{
		NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans()),
		NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans()),
	}
	for _, b := range want {
		require.NoError(t, pub.Publish(ctx, b))
	}

	var mu sync.Mutex
	var got []uuid.UUID
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(_ context.Context, b Batch) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, b.ID)
			if len(got) == len(want) {
				stop()
			}
			return nil
		})
	}()

	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{want[0].ID, want[1].ID}, got)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// 确认后的条目从流中删除
	n, err := client.XLen(ctx, cfg.Stream).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisPublisher_DefaultKeepsUnconsumedEntries(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()
	cfg := DefaultRedisConfig()
	require.Zero(t, cfg.MaxLen)

	pub := NewRedisPublisher(client, cfg, zap.NewNop())
	for i := 0; i < 20; i++ {
		require.NoError(t, pub.Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))
	}

	n, err := client.XLen(ctx, cfg.Stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestRedisPublisher_Backlog(t *testing.T) {
	_, client := setupRedis(t)
	cfg := testRedisConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := NewRedisPublisher(client, cfg, zap.NewNop())

	// 流不存在
	backlog, err := pub.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{}, backlog)

	for i := 0; i < 2; i++ {
		require.NoError(t, pub.Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))
	}

	// 消费组未创建
	backlog, err = pub.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Lag: 2}, backlog)

	consumer := NewRedisConsumer(client, cfg, zap.NewNop())
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(context.Context, Batch) error {
			stop()
			return errors.New("store unavailable")
		})
	}()
	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)

	backlog, err = pub.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), backlog.Pending)
}

func TestRedisConsumer_FailedBatchStaysPending(t *testing.T) {
	_, client := setupRedis(t)
	cfg := testRedisConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer := NewRedisConsumer(client, cfg, zap.NewNop())
	require.NoError(t, consumer.EnsureGroup(ctx))
	require.NoError(t, NewRedisPublisher(client, cfg, zap.NewNop()).
		Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(context.Context, Batch) error {
			stop()
			return errors.New("store unavailable")
		})
	}()
	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRedisConsumer_AcksPoisonMessages(t *testing.T) {
	_, client := setupRedis(t)
	cfg := testRedisConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer := NewRedisConsumer(client, cfg, zap.NewNop())
	require.NoError(t, consumer.EnsureGroup(ctx))
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: cfg.Stream, Values: map[string]any{batchField: "not json"}}).Err())
	require.NoError(t, NewRedisPublisher(client, cfg, zap.NewNop()).
		Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))

	runCtx, stop := context.WithCancel(ctx)
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(context.Context, Batch) error {
			calls++
			stop()
			return nil
		})
	}()
	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

// =============================================================================
// NATS JetStream
// =============================================================================

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Shutdown)

	if !srv.ReadyForConnections(10 * time.Second) {
		t.Fatalf("embedded NATS server not ready for connections")
	}
	require.Eventually(t, srv.JetStreamEnabled, 5*time.Second, 50*time.Millisecond)
	return srv
}

func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv := runJetStreamServer(t)
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func testNATSConfig() NATSConfig {
	cfg := DefaultNATSConfig()
	cfg.FetchWait = 100 * time.Millisecond
	cfg.AckWait = time.Second
	return cfg
}

func TestNATSPublisher_DeduplicatesByBatchID(t *testing.T) {
	nc := connectNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := testNATSConfig()

	pub, err := NewNATSPublisher(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)

	b := NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())
	require.NoError(t, pub.Publish(ctx, b))
	require.NoError(t, pub.Publish(ctx, b))
	require.NoError(t, pub.Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))

	js, err := jetstream.New(nc)
	require.NoError(t, err)
	stream, err := js.Stream(ctx, cfg.Stream)
	require.NoError(t, err)
	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.State.Msgs)
}

func TestNATSConsumer_DeliversAndRedelivers(t *testing.T) {
	nc := connectNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	cfg := testNATSConfig()

	pub, err := NewNATSPublisher(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)
	consumer, err := NewNATSConsumer(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)

	b := NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())
	require.NoError(t, pub.Publish(ctx, b))

	// 第一次处理失败被 Nak，第二次成功
	attempts := 0
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(_ context.Context, got Batch) error {
			attempts++
			assert.Equal(t, b.ID, got.ID)
			if attempts == 1 {
				return errors.New("transient")
			}
			stop()
			return nil
		})
	}()

	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestNATSPublisher_Backlog(t *testing.T) {
	nc := connectNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := testNATSConfig()

	pub, err := NewNATSPublisher(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, pub.Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))
	}

	// 持久化消费者尚未创建
	backlog, err := pub.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Lag: 2}, backlog)

	_, err = NewNATSConsumer(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)
	backlog, err = pub.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Lag: 2}, backlog)
}

func TestNATSStream_FullRejectsNewMessages(t *testing.T) {
	nc := connectNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := testNATSConfig()
	cfg.MaxMsgs = 1

	pub, err := NewNATSPublisher(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)
	first := NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())
	require.NoError(t, pub.Publish(ctx, first))
	require.Error(t, pub.Publish(ctx, NewBatch(uuid.New(), uuid.New(), uuid.New(), testSpans())))

	// 未消费的旧消息保留
	consumer, err := NewNATSConsumer(ctx, nc, cfg, zap.NewNop())
	require.NoError(t, err)
	runCtx, stop := context.WithCancel(ctx)
	var got uuid.UUID
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(runCtx, func(_ context.Context, b Batch) error {
			got = b.ID
			stop()
			return nil
		})
	}()
	err, ok := testutil.WaitForChannel(done, 5*time.Second)
	require.True(t, ok, "consumer did not stop")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got)
}
