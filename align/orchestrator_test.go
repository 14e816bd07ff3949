package align

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kwv/facealign/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTestOrchestrator(t *testing.T, p Predictor, opts ...OrchestratorOption) *Orchestrator {
	t.Helper()
	base := []OrchestratorOption{
		WithOutputDir(t.TempDir()),
		WithMethod(NewAnatomicalMethod(190, false)),
		WithMethod(&ReferenceTemplateMethod{Template: faceMesh()}),
	}
	return NewOrchestrator(p, testHandles, append(base, opts...)...)
}

func TestProcess_AcceptsGoodFirstAttempt(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {value: 4.15}})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, StateAccepted, out.State)
	assert.Equal(t, ReasonNone, out.Reason)
	require.Len(t, out.Attempts, 1)
	require.NotNil(t, out.Final)
	assert.Equal(t, MethodAnatomical, out.Final.Method)
	assert.Equal(t, TierExcellent, out.Final.Tier)
	assert.Equal(t, "scorer", out.Selection)
	assert.Equal(t, []State{StateUnprocessed, StateMethodSelected, StateAligned, StateEvaluated, StateAccepted}, out.Trace)
	assert.FileExists(t, out.Final.OutputPath)

	aligned, err := mesh.ReadPLY(out.Final.OutputPath)
	require.NoError(t, err)
	ext, err := mesh.ComputeExtents(aligned)
	require.NoError(t, err)
	assert.InDelta(t, 190, ext.Height, 1e-6)
	assert.InDelta(t, 0, aligned.Centroid().X, 1e-6)
}

func TestProcess_RetriesOnceAndKeepsLowerError(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{
		"anatomical.json": {value: 50000},
		"ultimate.json":   {value: 800},
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, []string{"anatomical.json", "ultimate.json"}, p.Calls())
	require.Len(t, out.Attempts, 2)
	assert.True(t, out.Retried())
	assert.Equal(t, ReasonPoorError, out.Attempts[0].Reason)
	require.NotNil(t, out.Final)
	assert.Equal(t, MethodUltimate, out.Final.Method)
	assert.Equal(t, 800.0, out.Final.Error)
	assert.Equal(t, StateAccepted, out.State)
	assert.Contains(t, out.Trace, StateRetryAlternate)
}

func TestProcess_RetryKeepsFirstWhenAlternateIsWorse(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{
		"anatomical.json": {value: 500},
		"ultimate.json":   {value: 900},
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, MethodAnatomical, out.Final.Method)
	assert.Equal(t, 500.0, out.Final.Error)
	assert.Equal(t, StateAccepted, out.State)
}

func TestProcess_FatalRetryKeepsEvaluatedFirstAttempt(t *testing.T) {
	point := &mesh.Mesh{Vertices: []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}}
	// No matching extent ordering, so up stays +Y where the extent is zero.
	flat := gridMesh(10, 0, 500, r3.Vec{})

	tests := []struct {
		name       string
		mesh       *mesh.Mesh
		template   *mesh.Mesh
		first      Method
		values     map[string]predictResult
		wantMethod Method
		wantError  float64
	}{
		{
			name:       "degenerate template on retry",
			mesh:       faceMesh(),
			template:   point,
			first:      MethodAnatomical,
			values:     map[string]predictResult{"anatomical.json": {value: 500}, "ultimate.json": {value: 1}},
			wantMethod: MethodAnatomical,
			wantError:  500,
		},
		{
			name:       "zero face height on retry",
			mesh:       flat,
			template:   faceMesh(),
			first:      MethodUltimate,
			values:     map[string]predictResult{"anatomical.json": {value: 1}, "ultimate.json": {value: 5000}},
			wantMethod: MethodUltimate,
			wantError:  5000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMethodPredictor(tt.values)
			o := NewOrchestrator(p, testHandles,
				WithOutputDir(t.TempDir()),
				WithMethod(NewAnatomicalMethod(190, false)),
				WithMethod(&ReferenceTemplateMethod{Template: tt.template}),
				WithOverrides(Overrides{"face": tt.first}))

			out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: tt.mesh})

			require.Len(t, out.Attempts, 2)
			assert.True(t, fatalForMesh(out.Attempts[1].Reason), out.Attempts[1].Reason)
			assert.Len(t, p.Calls(), 1)
			assert.Equal(t, StateAccepted, out.State)
			assert.Equal(t, ReasonNone, out.Reason)
			require.NotNil(t, out.Final)
			assert.Equal(t, tt.wantMethod, out.Final.Method)
			assert.Equal(t, tt.wantError, out.Final.Error)
		})
	}
}

func TestProcess_FatalRetryWithoutEvaluationFails(t *testing.T) {
	point := &mesh.Mesh{Vertices: []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}}
	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {err: ErrEvaluationUnavailable}})
	o := NewOrchestrator(p, testHandles,
		WithOutputDir(t.TempDir()),
		WithMethod(NewAnatomicalMethod(190, false)),
		WithMethod(&ReferenceTemplateMethod{Template: point}))

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonGeometryDegenerate, out.Reason)
	assert.Equal(t, MethodUltimate, out.Final.Method)
}

func TestProcess_BothPoorFails(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{
		"anatomical.json": {value: 50000},
		"ultimate.json":   {value: 20000},
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonPoorError, out.Reason)
	require.Len(t, out.Attempts, 2)
	assert.Equal(t, 20000.0, out.Final.Error)
	assert.Equal(t, TierPoor, out.Final.Tier)
}

func TestProcess_UnavailableIsNeverFabricated(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{
		"anatomical.json": {err: ErrEvaluationUnavailable},
		"ultimate.json":   {err: ErrEvaluationUnavailable},
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonEvaluationUnavailable, out.Reason)
	require.Len(t, out.Attempts, 2)
	for _, a := range out.Attempts {
		assert.False(t, a.Available)
		assert.Zero(t, a.Error)
		assert.Equal(t, TierPoor, a.Tier)
	}
}

func TestProcess_MissingConfigFallsBackToAlternate(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {value: 7}})
	configs := MethodConfigs{Handles: map[Method]string{MethodAnatomical: "anatomical.json"}}
	o := NewOrchestrator(p, configs,
		WithOutputDir(t.TempDir()),
		WithOverrides(Overrides{"face": MethodUltimate}))

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, ReasonConfigurationMissing, out.Attempts[0].Reason)
	assert.Equal(t, MethodUltimate, out.Attempts[0].Method)
	assert.Equal(t, StateAccepted, out.State)
	assert.Equal(t, MethodAnatomical, out.Final.Method)
	assert.Equal(t, "override", out.Selection)
}

func TestProcess_MissingTemplateFallsBack(t *testing.T) {
	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {value: 12}})
	o := NewOrchestrator(p, testHandles,
		WithOutputDir(t.TempDir()),
		WithMethod(&ReferenceTemplateMethod{}),
		WithOverrides(Overrides{"face": MethodUltimate}))

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	require.Len(t, out.Attempts, 2)
	assert.Equal(t, ReasonConfigurationMissing, out.Attempts[0].Reason)
	assert.Equal(t, StateAccepted, out.State)
	assert.Equal(t, []string{"anatomical.json"}, p.Calls())
}

func TestProcess_DegenerateMeshFailsWithoutAttempts(t *testing.T) {
	p := newMethodPredictor(nil)
	o := newTestOrchestrator(t, p)

	point := &mesh.Mesh{Vertices: []r3.Vec{{X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}}}
	out := o.Process(context.Background(), MeshJob{ID: "dot", Mesh: point})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonGeometryDegenerate, out.Reason)
	assert.Empty(t, out.Attempts)
	assert.Empty(t, p.Calls())
}

func TestProcess_EmptyMeshIsDegenerate(t *testing.T) {
	o := newTestOrchestrator(t, newMethodPredictor(nil))
	out := o.Process(context.Background(), MeshJob{ID: "empty", Mesh: &mesh.Mesh{}})
	assert.Equal(t, ReasonGeometryDegenerate, out.Reason)
}

func TestProcess_UnreadableInput(t *testing.T) {
	o := newTestOrchestrator(t, newMethodPredictor(nil))

	out := o.Process(context.Background(), MeshJob{ID: "missing", Path: filepath.Join(t.TempDir(), "missing.ply")})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonInputUnreadable, out.Reason)
	assert.NotEmpty(t, out.Detail)
}

func TestProcess_ReadsPLYFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.ply")
	require.NoError(t, mesh.WritePLY(path, withAttributes(faceMesh())))

	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {value: 30}})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "scan", Path: path})

	assert.Equal(t, StateAccepted, out.State)
	require.NotNil(t, out.Descriptors)
	assert.True(t, out.Descriptors.HasColor)
	assert.Equal(t, TierVeryGood, out.Final.Tier)
}

func TestProcess_PredictorErrorWithoutSentinel(t *testing.T) {
	p := PredictorFunc(func(context.Context, string, string) (float64, error) {
		return 0, errors.New("boom")
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(context.Background(), MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonEvaluationUnavailable, out.Reason)
}

func TestProcess_CanceledContextSkipsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := PredictorFunc(func(ctx context.Context, _, _ string) (float64, error) {
		cancel()
		return 0, ctx.Err()
	})
	o := newTestOrchestrator(t, p)

	out := o.Process(ctx, MeshJob{ID: "face", Mesh: faceMesh()})

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonCanceled, out.Reason)
	assert.Len(t, out.Attempts, 1)
}

func TestProcess_OutputUsesCategoryDirectory(t *testing.T) {
	dir := t.TempDir()
	p := newMethodPredictor(map[string]predictResult{"anatomical.json": {value: 1}})
	o := NewOrchestrator(p, testHandles, WithOutputDir(dir), WithPreviews(true))

	out := o.Process(context.Background(), MeshJob{ID: "7", Category: "women", Mesh: faceMesh()})

	want := filepath.Join(dir, "women", "7_anatomical.ply")
	assert.Equal(t, want, out.Final.OutputPath)
	_, err := os.Stat(filepath.Join(dir, "women", "7_anatomical.svg"))
	assert.NoError(t, err)
}

func TestBestAttempt(t *testing.T) {
	attempts := []Attempt{
		{Method: MethodAnatomical, Error: 0, Available: false},
		{Method: MethodUltimate, Error: 5000, Available: true},
	}
	assert.Equal(t, MethodUltimate, bestAttempt(attempts).Method)

	tie := []Attempt{
		{Method: MethodAnatomical, Error: 10, Available: true},
		{Method: MethodUltimate, Error: 10, Available: true},
	}
	assert.Equal(t, MethodAnatomical, bestAttempt(tie).Method)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateAccepted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateEvaluated.Terminal())
	assert.False(t, StateRetryAlternate.Terminal())
}
