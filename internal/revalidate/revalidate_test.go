package revalidate

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopAndFunc(t *testing.T) {
	assert.NotPanics(t, func() { Noop{}.OrganizationChanged(context.Background(), "org-1") })

	var got []string
	h := Func(func(_ context.Context, orgID string) { got = append(got, orgID) })
	h.OrganizationChanged(context.Background(), "org-1")
	h.OrganizationChanged(context.Background(), "org-2")
	assert.Equal(t, []string{"org-1", "org-2"}, got)
}

func TestRedisPublisher_UnreachableIsAdvisory(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })

	p := NewRedisPublisher(rdb, "orggov:test")
	assert.NotPanics(t, func() { p.OrganizationChanged(context.Background(), "org-1") })
}

// TestRedisPublisher_Publishes needs a reachable Redis; set ORGGOV_TEST_REDIS_ADDR to run it.
func TestRedisPublisher_Publishes(t *testing.T) {
	addr := os.Getenv("ORGGOV_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORGGOV_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	sub := rdb.Subscribe(ctx, "orggov:test:revalidate")
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	NewRedisPublisher(rdb, "orggov:test:revalidate").OrganizationChanged(ctx, "org-9")

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "org-9", ev.OrganizationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}
