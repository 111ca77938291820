package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestProxyKey(t *testing.T) {
	require.Equal(t, "1.2.3.4:8080", ProxyKey("1.2.3.4", 8080))
	require.Equal(t, "proxy:1.2.3.4:8080", ProxyHashKey("1.2.3.4:8080"))
}

func TestPushRequest_RingOrderAndCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < RingCap+20; i++ {
		err := st.PushRequest(ctx, RequestRecord{
			ID:     fmt.Sprintf("r%d", i),
			Method: "GET",
			URL:    "http://example.test/",
		})
		require.NoError(t, err)
	}

	recs, err := st.RecentRequests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, RingCap)
	// Newest first
	require.Equal(t, fmt.Sprintf("r%d", RingCap+19), recs[0].ID)
}

func TestRecentRequests_Count(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, st.PushRequest(ctx, RequestRecord{ID: fmt.Sprintf("r%d", i)}))
	}
	recs, err := st.RecentRequests(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, "r9", recs[0].ID)
}

func TestSubscribeLive_ReceivesPublished(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sub := st.SubscribeLive(ctx)
	defer sub.Close()

	// Wait for the subscription to be established before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, st.PushRequest(ctx, RequestRecord{ID: "live-1", Blocked: true}))

	select {
	case msg := <-sub.Channel():
		require.Contains(t, msg.Payload, "live-1")
	case <-time.After(2 * time.Second):
		t.Fatal("no live message received")
	}
}
