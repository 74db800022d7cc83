package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/internal/logging"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

func openStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithLogger(logging.Discard()))
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		label := kdd.LabelNormal
		if i%2 == 1 {
			label = kdd.LabelAnomaly
		}
		e := &Event{
			Source:       "api",
			ConnectionID: fmt.Sprintf("conn-%d", i),
			SrcIP:        "192.168.1.10",
			DstIP:        "10.0.0.1",
			Label:        label,
			Score:        float64(i) / 10,
		}
		require.NoError(t, s.Record(ctx, e))
		assert.Len(t, e.EventID, 36)
		assert.False(t, e.Timestamp.IsZero())
	}

	got, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "conn-4", got[0].ConnectionID)
	assert.Equal(t, "conn-3", got[1].ConnectionID)
	assert.Equal(t, kdd.LabelAnomaly, got[1].Label)
	assert.InDelta(t, 0.2, got[2].Score, 1e-12)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 5, Anomalies: 2}, st)
}

func TestRecentInvalidLimit(t *testing.T) {
	s := openStore(t)
	_, err := s.Recent(context.Background(), 0)
	assert.Error(t, err)
}

func TestFilledFields(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, &Event{Label: kdd.LabelNormal, Filled: "src_bytes,duration"}))
	require.NoError(t, s.Record(ctx, &Event{Label: kdd.LabelNormal}))

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, got[0].FilledFields())
	assert.Equal(t, []string{"src_bytes", "duration"}, got[1].FilledFields())
}

func TestPrune(t *testing.T) {
	s := openStore(t, WithRetain(3))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(ctx, &Event{ConnectionID: fmt.Sprint(i), Label: kdd.LabelNormal}))
	}

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), removed)

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "9", got[0].ConnectionID)
	assert.Equal(t, "7", got[2].ConnectionID)

	removed, err = s.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPruneKeepsEverythingByDefault(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Record(ctx, &Event{Label: kdd.LabelNormal}))
	}
	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Total)
}

func TestRecordPrunesPeriodically(t *testing.T) {
	s := openStore(t, WithRetain(10))
	ctx := context.Background()
	for i := 0; i < pruneEvery; i++ {
		require.NoError(t, s.Record(ctx, &Event{Label: kdd.LabelAnomaly}))
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.Total)
	assert.Equal(t, int64(10), st.Anomalies)
}
