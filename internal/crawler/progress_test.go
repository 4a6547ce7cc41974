package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeProgressUpgradesUnversionedBlob(t *testing.T) {
	t.Parallel()

	p, err := DecodeProgress([]byte(`{"source":"fr","backfill_cursor":0,"consumed_ids":[9,3,9]}`))
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, p.SchemaVersion)
	require.Equal(t, 1, p.BackfillCursor)
	require.Equal(t, []int{3, 9}, p.ConsumedIDs)
}

func TestDecodeProgressRejectsNewerSchema(t *testing.T) {
	t.Parallel()

	_, err := DecodeProgress([]byte(`{"schema_version":99}`))
	require.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestEncodeDecodeKeepsCursorState(t *testing.T) {
	t.Parallel()

	in := NewProgress("ru")
	in.BackfillCursor = 42
	in.BackfillComplete = true
	in.LastDiscoverySignature = "count:41:41"
	in.Revision = 7

	data, err := EncodeProgress(in)
	require.NoError(t, err)
	out, err := DecodeProgress(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestProgressBacklog(t *testing.T) {
	t.Parallel()

	p := NewProgress("es")
	p.BackfillCursor = 3
	p.ConsumedIDs = []int{5}

	require.Equal(t, 2, p.Backlog(NewIDListing([]int{1, 2, 3, 5, 8}, 1)))
	require.Equal(t, 3, p.Backlog(NewCountListing(4, 6, 1)))
	require.Zero(t, p.Backlog(NewCountListing(2, 2, 1)))
}

func TestNewIDListingNormalizes(t *testing.T) {
	t.Parallel()

	a := NewIDListing([]int{3, 1, 2, 3}, 2)
	b := NewIDListing([]int{1, 2, 3}, 1)
	require.Equal(t, []int{1, 2, 3}, a.IDs)
	require.Equal(t, 3, a.Count)
	require.Equal(t, 3, a.MaxID)
	require.Equal(t, a.Signature, b.Signature)
	require.False(t, a.CountMode())
	require.True(t, NewCountListing(10, 12, 1).CountMode())
}

func TestPlanString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Backfill(1,3)", Plan{Kind: PlanBackfill, From: 1, Target: 3}.String())
	require.Equal(t, "ChangeFeedDelta(4,9)", Plan{Kind: PlanChangeFeedDelta, IDs: []int{4, 9}}.String())
	require.Equal(t, "FullRescan", Plan{Kind: PlanFullRescan}.String())
	require.Equal(t, "Idle", Plan{}.String())
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "server error", err: &FetchError{URL: "u", StatusCode: 503}, want: true},
		{name: "rate limited", err: &FetchError{URL: "u", StatusCode: 429}, want: true},
		{name: "client error", err: &FetchError{URL: "u", StatusCode: 403}, want: false},
		{name: "network", err: &FetchError{URL: "u", Err: errors.New("connection reset")}, want: true},
		{name: "canceled", err: &FetchError{URL: "u", Err: context.Canceled}, want: false},
		{name: "not found", err: ErrNotFound, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
