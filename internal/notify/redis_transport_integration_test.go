//go:build integration

package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"multicam-live/internal/models"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	if addr := strings.TrimSpace(os.Getenv("MULTICAM_TEST_REDIS_ADDR")); addr != "" {
		testRedisAddr = addr
		os.Exit(m.Run())
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisAddr = endpoint

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newRedisTransport(t *testing.T, prefix string) *RedisTransport {
	t.Helper()
	transport, err := NewRedisTransport(context.Background(), RedisConfig{
		Addr:   testRedisAddr,
		Prefix: prefix,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestRedisTransportFansOutAcrossBuses(t *testing.T) {
	prefix := fmt.Sprintf("multicam-test-%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisherHub := NewHub(8, nil)
	publisher := NewBus(Config{Hub: publisherHub, Transport: newRedisTransport(t, prefix), PreviewURL: previewURL})
	subscriberHub := NewHub(8, nil)
	subscriber := NewBus(Config{Hub: subscriberHub, Transport: newRedisTransport(t, prefix), PreviewURL: previewURL})
	go func() { _ = publisher.Run(ctx) }()
	go func() { _ = subscriber.Run(ctx) }()

	local := publisher.Subscribe("alice")
	defer local.Close()
	remote := subscriber.Subscribe("alice")
	defer remote.Close()
	other := subscriber.Subscribe("bob")
	defer other.Close()

	// PSubscribe is asynchronous; keep publishing until the first event lands.
	require.Eventually(t, func() bool {
		publisher.CameraRemoved("alice", 0)
		select {
		case <-remote.Events():
			return true
		default:
			return false
		}
	}, 10*time.Second, 100*time.Millisecond)
	drain(remote)
	drain(local)

	publisher.CameraChanged(testConn(2, models.CameraOnAir))
	publisher.ChannelChanged(models.BroadcastChannel{OwnerID: "alice", Live: true, OutputURL: "http://out"})

	for _, sub := range []*Subscription{local, remote} {
		changed := receive(t, sub)
		assert.Equal(t, EventCameraChanged, changed.Type)
		assert.Equal(t, "alice", changed.OwnerID)
		assert.Equal(t, 2, changed.CameraIndex)
		require.NotNil(t, changed.Camera.PlaybackURL)
		channel := receive(t, sub)
		assert.Equal(t, EventChannelChanged, channel.Type)
		assert.True(t, channel.Channel.Live)
	}

	select {
	case event := <-other.Events():
		t.Fatalf("bob received alice's event %+v", event)
	case <-time.After(200 * time.Millisecond):
	}
}

func drain(sub *Subscription) {
	for {
		select {
		case <-sub.Events():
		case <-time.After(300 * time.Millisecond):
			return
		}
	}
}
