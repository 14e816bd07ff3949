package align

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	outcomes := []Outcome{retriedOutcome("12", 50000, 40), accepted("13", MethodAnatomical, 5)}
	res := &BatchResult{Outcomes: outcomes, Report: Aggregate(outcomes, DefaultThresholds())}

	require.NoError(t, SaveResult(path, res))
	loaded, err := LoadResult(path)
	require.NoError(t, err)

	if diff := cmp.Diff(res, loaded); diff != "" {
		t.Errorf("result mismatch after reload (-want +got):\n%s", diff)
	}
}

func TestLoadResult_Missing(t *testing.T) {
	res, err := LoadResult(filepath.Join(t.TempDir(), "none.json"))
	assert.NoError(t, err)
	assert.Nil(t, res)
}

func TestWriteSummary(t *testing.T) {
	m1 := accepted("1", MethodAnatomical, 4.1)
	m1.Category = "men"
	m2 := accepted("2", MethodUltimate, 65)
	m2.Category = "women"
	failed := Outcome{MeshID: "3", State: StateFailed, Reason: ReasonGeometryDegenerate}
	r := Aggregate([]Outcome{m1, m2, failed}, DefaultThresholds())

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, r, 1))
	out := buf.String()

	assert.Contains(t, out, "Meshes:")
	assert.Contains(t, out, "very_good")
	assert.Contains(t, out, "Failure geometry_degenerate:")
	assert.Contains(t, out, "women")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, "Partial")
}
