package membership

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tenderdesk/orggov/internal/apperror"
	"github.com/tenderdesk/orggov/internal/db/models"
	"github.com/tenderdesk/orggov/internal/telemetry"
)

// recordingProgress keeps every write so tests can see intermediate states.
type recordingProgress struct {
	*MemoryProgressStore
	writes []Progress
}

func (r *recordingProgress) SetProgress(ctx context.Context, p Progress) error {
	r.writes = append(r.writes, p)
	return r.MemoryProgressStore.SetProgress(ctx, p)
}

func TestGetProgress_TracksEveryItem(t *testing.T) {
	rec := &recordingProgress{MemoryProgressStore: NewMemoryProgressStore(time.Hour)}
	f := newFixture(t, WithProgressStore(rec))

	res, err := f.svc.BulkRemoveMembers(context.Background(), orgID,
		[]string{"m-member", "m-missing", "m-member2"}, "u-owner", models.RoleOwner, "")
	require.NoError(t, err)

	// Initial record, one per item, one on completion.
	require.Len(t, rec.writes, 5)
	assert.Equal(t, Progress{OperationID: res.OperationID, Total: 3, CurrentOperation: OperationRemoveMembers, UpdatedAt: f.now}, rec.writes[0])
	assert.Equal(t, 1, rec.writes[1].Processed)
	assert.Equal(t, 1, rec.writes[2].Failed)
	assert.False(t, rec.writes[3].IsComplete)

	p, err := f.svc.GetProgress(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.True(t, p.IsComplete)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 2, p.Processed)
	assert.Equal(t, 1, p.Failed)
}

func TestGetProgress_Unknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetProgress(context.Background(), "op-missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.GetProgress(context.Background(), "")
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMemoryProgressStore_Expires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryProgressStore(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, s.SetProgress(ctx, Progress{OperationID: "op-1", Total: 2}))

	p, err := s.GetProgress(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, p)

	now = now.Add(time.Minute)
	p, err = s.GetProgress(ctx, "op-1")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.SetProgress(ctx, Progress{OperationID: "op-2"}))
	assert.Len(t, s.entries, 1, "expired entries are pruned on write")
}

func TestBulkItemsMetric(t *testing.T) {
	f := newFixture(t)
	success := telemetry.BulkItemsTotal.WithLabelValues(OperationRemoveMembers, telemetry.OutcomeSuccess)
	failure := telemetry.BulkItemsTotal.WithLabelValues(OperationRemoveMembers, telemetry.OutcomeFailure)
	beforeOK, beforeFail := testutil.ToFloat64(success), testutil.ToFloat64(failure)

	_, err := f.svc.BulkRemoveMembers(context.Background(), orgID,
		[]string{"m-member", "m-owner"}, "u-owner", models.RoleOwner, "")
	require.NoError(t, err)

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(success))
	assert.Equal(t, beforeFail+1, testutil.ToFloat64(failure))
}

// TestRedisProgressStore needs a reachable Redis; set ORGGOV_TEST_REDIS_ADDR to run it.
func TestRedisProgressStore(t *testing.T) {
	addr := os.Getenv("ORGGOV_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORGGOV_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	s := NewRedisProgressStore(rdb, "orggov-test:", time.Minute)
	id := "op-" + time.Now().Format("150405.000000000")
	require.NoError(t, s.SetProgress(ctx, Progress{OperationID: id, Total: 4, Processed: 1}))

	p, err := s.GetProgress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 4, p.Total)

	missing, err := s.GetProgress(ctx, id+"-missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRedisProgressStore_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	defer rdb.Close()

	s := NewRedisProgressStore(rdb, "orggov-test:", time.Minute)
	assert.Error(t, s.SetProgress(context.Background(), Progress{OperationID: "op-1"}))
	_, err := s.GetProgress(context.Background(), "op-1")
	assert.Error(t, err)
}
