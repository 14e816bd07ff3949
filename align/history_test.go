package align

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func retriedOutcome(id string, first, second float64) Outcome {
	a := Attempt{MeshID: id, Method: MethodAnatomical, Error: first, Available: true, Tier: TierPoor, Reason: ReasonPoorError}
	b := Attempt{MeshID: id, Method: MethodUltimate, Error: second, Available: true, Tier: TierVeryGood}
	return Outcome{MeshID: id, Category: "men", State: StateAccepted, Attempts: []Attempt{a, b}, Final: &b}
}

func TestHistory_RecordAndQuery(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	outcomes := []Outcome{retriedOutcome("12", 50000, 40), accepted("13", MethodAnatomical, 5)}
	report := Aggregate(outcomes, DefaultThresholds())
	report.RunID = "run-1"
	report.StartedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report.FinishedAt = report.StartedAt.Add(time.Minute)
	require.NoError(t, h.RecordRun(ctx, BatchResult{Outcomes: outcomes, Report: report}))

	entries, err := h.MeshHistory(ctx, "12")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, MethodAnatomical, entries[0].Method)
	assert.False(t, entries[0].Final)
	assert.Equal(t, ReasonPoorError, entries[0].Reason)
	assert.Equal(t, MethodUltimate, entries[1].Method)
	assert.True(t, entries[1].Final)
	require.NotNil(t, entries[1].Error)
	assert.Equal(t, 40.0, *entries[1].Error)
	assert.Equal(t, "men", entries[1].Category)

	runs, err := h.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, 2, runs[0].Total)
	assert.True(t, runs[0].StartedAt.Equal(report.StartedAt))
	require.NotNil(t, runs[0].MeanError)
	assert.InDelta(t, 22.5, *runs[0].MeanError, 1e-9)
}

func TestHistory_UnavailableStoredAsNull(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	a := Attempt{MeshID: "9", Method: MethodAnatomical, Tier: TierPoor, Reason: ReasonEvaluationUnavailable}
	o := Outcome{MeshID: "9", State: StateFailed, Attempts: []Attempt{a}, Final: &a}
	report := Aggregate([]Outcome{o}, DefaultThresholds())
	report.RunID = "run-x"
	require.NoError(t, h.RecordRun(ctx, BatchResult{Outcomes: []Outcome{o}, Report: report}))

	entries, err := h.MeshHistory(ctx, "9")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Error)

	runs, err := h.Runs(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, runs[0].MeanError)
}

func TestHistory_BestMethods(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	record := func(runID string, outcomes ...Outcome) {
		r := Aggregate(outcomes, DefaultThresholds())
		r.RunID = runID
		r.StartedAt = time.Now()
		require.NoError(t, h.RecordRun(ctx, BatchResult{Outcomes: outcomes, Report: r}))
	}
	record("r1", retriedOutcome("12", 50000, 40), accepted("13", MethodAnatomical, 5))
	record("r2", accepted("12", MethodAnatomical, 90), accepted("14", MethodUltimate, 20000))

	best, err := h.BestMethods(ctx, 10000)
	require.NoError(t, err)
	assert.Equal(t, Overrides{"12": MethodUltimate, "13": MethodAnatomical}, best)
}

func TestHistory_RecordRunRequiresID(t *testing.T) {
	h := openTestHistory(t)
	assert.Error(t, h.RecordRun(context.Background(), BatchResult{}))
}
