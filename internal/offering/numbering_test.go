package offering

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-fincore/internal/shared"
)

func TestSequenceNumbererIncrementsPerBranchAndDay(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	n := NewSequenceNumberer(client, "gen")
	ctx := context.Background()
	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)

	first, err := n.Next(ctx, testScope, day)
	require.NoError(t, err)
	second, err := n.Next(ctx, testScope, day)
	require.NoError(t, err)
	require.Equal(t, "GEN-20250309-0001", first)
	require.Equal(t, "GEN-20250309-0002", second)

	other, err := n.Next(ctx, shared.Scope{OrganisationID: "org-1", BranchID: "br-2"}, day)
	require.NoError(t, err)
	require.Equal(t, "GEN-20250309-0001", other)

	next, err := n.Next(ctx, testScope, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, "GEN-20250310-0001", next)

	key := shared.BatchSequenceKey(testScope, day)
	require.True(t, mr.Exists(key))
	require.Greater(t, mr.TTL(key), time.Duration(0))
}

type floorTable map[string]int64

func (f floorTable) LastBatchSequence(ctx context.Context, scope shared.Scope, numberPrefix string) (int64, error) {
	return f[numberPrefix], nil
}

func TestSequenceNumbererResumesAfterCounterExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	floor := floorTable{}
	n := NewSequenceNumberer(client, "")
	n.WithFloor(floor)
	ctx := context.Background()
	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)

	first, err := n.Next(ctx, testScope, day)
	require.NoError(t, err)
	require.Equal(t, "OFF-20250309-0001", first)

	floor["OFF-20250309-"] = 3
	mr.FastForward(73 * time.Hour)
	key := shared.BatchSequenceKey(testScope, day)
	require.False(t, mr.Exists(key))

	resumed, err := n.Next(ctx, testScope, day)
	require.NoError(t, err)
	require.Equal(t, "OFF-20250309-0004", resumed)
	require.Greater(t, mr.TTL(key), time.Duration(0))

	next, err := n.Next(ctx, testScope, day)
	require.NoError(t, err)
	require.Equal(t, "OFF-20250309-0005", next)
}

func (r *memRepo) LastBatchSequence(ctx context.Context, scope shared.Scope, numberPrefix string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last int64
	for number, id := range r.numbers {
		if r.batches[id].Scope != scope || !strings.HasPrefix(number, numberPrefix) {
			continue
		}
		if seq, err := strconv.ParseInt(strings.TrimPrefix(number, numberPrefix), 10, 64); err == nil && seq > last {
			last = seq
		}
	}
	return last, nil
}

func TestCreateBatchAfterCounterExpiryDoesNotCollide(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	numberer := NewSequenceNumberer(client, "OFF")
	numberer.WithFloor(f.repo)
	f.svc.numberer = numberer
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		b, err := f.svc.CreateBatch(ctx, createInput(), "")
		require.NoError(t, err)
		require.Equal(t, "OFF-20250309-000"+strconv.Itoa(i), b.BatchNumber)
	}
	mr.FastForward(73 * time.Hour)

	b, err := f.svc.CreateBatch(ctx, createInput(), "")
	require.NoError(t, err)
	require.Equal(t, "OFF-20250309-0004", b.BatchNumber)
}

func TestSequenceNumbererSurfacesRedisErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewSequenceNumberer(client, "").Next(context.Background(), testScope, time.Now())
	require.Error(t, err)
}

func TestRandomNumberer(t *testing.T) {
	n := NewRandomNumberer("")
	day := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	a, err := n.Next(context.Background(), testScope, day)
	require.NoError(t, err)
	b, err := n.Next(context.Background(), testScope, day)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(a, "OFF-20250309-"))
	require.NotEqual(t, a, b)
}
