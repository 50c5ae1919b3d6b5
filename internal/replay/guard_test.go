package replay

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/cdsgate/internal/expiring"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemoryGuard(t *testing.T, access, write time.Duration) (*Guard, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	reg := expiring.NewRegistry(expiring.Options{Clock: clk.Now}, map[string]expiring.Options{
		CacheName: {AccessExpiry: access, WriteExpiry: write},
	})
	store, err := NewMemory(reg)
	require.NoError(t, err)
	return NewGuard(store), clk
}

func TestMemoryGuardFreshThenReplayed(t *testing.T) {
	guard, clk := newMemoryGuard(t, 100*time.Millisecond, 100*time.Millisecond)
	ctx := context.Background()

	verdict, err := guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Fresh, verdict)

	verdict, err = guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Replayed, verdict)
	require.ErrorIs(t, guard.Check(ctx, "abc"), ErrReplayed)

	clk.Advance(150 * time.Millisecond)
	verdict, err = guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Fresh, verdict)
	require.NoError(t, guard.Close(ctx))
}

func TestReplayProbeDoesNotExtendWindow(t *testing.T) {
	guard, clk := newMemoryGuard(t, time.Minute, time.Hour)
	ctx := context.Background()

	require.NoError(t, guard.Check(ctx, "jti-1"))
	clk.Advance(40 * time.Second)
	require.ErrorIs(t, guard.Check(ctx, "jti-1"), ErrReplayed)
	clk.Advance(40 * time.Second)
	require.NoError(t, guard.Check(ctx, "jti-1"), "probe must not refresh the access clock")
}

func TestGuardRejectsEmptyJTI(t *testing.T) {
	guard, _ := newMemoryGuard(t, time.Minute, time.Minute)
	_, err := guard.CheckAndRecord(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingJTI)
}

func TestGuardConcurrentSingleFresh(t *testing.T) {
	guard, _ := newMemoryGuard(t, time.Minute, time.Minute)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := guard.CheckAndRecord(context.Background(), "shared")
			require.NoError(t, err)
			if verdict == Fresh {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, fresh.Load())
}

func TestRedisGuard(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	store, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "cdsgate:jti:", TTL: 100 * time.Millisecond})
	require.NoError(t, err)
	guard := NewGuard(store)
	defer guard.Close(context.Background())
	ctx := context.Background()

	verdict, err := guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Fresh, verdict)
	require.True(t, server.Exists("cdsgate:jti:abc"))

	verdict, err = guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Replayed, verdict)

	server.FastForward(150 * time.Millisecond)
	verdict, err = guard.CheckAndRecord(ctx, "abc")
	require.NoError(t, err)
	require.Equal(t, Fresh, verdict)
}

func TestRedisRequiresAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)
}

func TestWindow(t *testing.T) {
	require.Equal(t, time.Minute, Window(time.Minute, time.Hour))
	require.Equal(t, time.Minute, Window(time.Hour, time.Minute))
	require.Equal(t, time.Hour, Window(0, time.Hour))
	require.Equal(t, time.Hour, Window(time.Hour, 0))
}

func TestVerdictString(t *testing.T) {
	require.Equal(t, "fresh", Fresh.String())
	require.Equal(t, "replayed", Replayed.String())
}
