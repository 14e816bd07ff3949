package main

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/facealign/align"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// alignedOutcome returns an accepted outcome whose final attempt points at
// an aligned mesh written to dir.
func alignedOutcome(t *testing.T, dir, id string) align.Outcome {
	t.Helper()
	path := writeGridPLY(t, dir, id+"_anatomical.ply", 133, 190, 95)
	final := align.Attempt{
		MeshID:     id,
		Method:     align.MethodAnatomical,
		Error:      4.2,
		Available:  true,
		Tier:       align.TierExcellent,
		OutputPath: path,
	}
	return align.Outcome{
		MeshID:   id,
		State:    align.StateAccepted,
		Attempts: []align.Attempt{final},
		Final:    &final,
	}
}

func populatedStore(t *testing.T) *ResultStore {
	t.Helper()
	dir := t.TempDir()
	outcomes := []align.Outcome{
		alignedOutcome(t, dir, "12"),
		{MeshID: "13", State: align.StateFailed, Reason: align.ReasonGeometryDegenerate},
	}
	s := NewResultStore(align.DefaultThresholds(), nil)
	s.SetResult(align.BatchResult{
		Outcomes: outcomes,
		Report:   align.Aggregate(outcomes, align.DefaultThresholds()),
	})
	return s
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		store      func(*testing.T) *ResultStore
		hasResults bool
		meshes     int
	}{
		{"empty", func(*testing.T) *ResultStore { return NewResultStore(align.DefaultThresholds(), nil) }, false, 0},
		{"populated", populatedStore, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newHTTPServer(tt.store(t), nil), "/health")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status     string `json:"status"`
				HasResults bool   `json:"hasResults"`
				Meshes     int    `json:"meshes"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "ok", body.Status)
			assert.Equal(t, tt.hasResults, body.HasResults)
			assert.Equal(t, tt.meshes, body.Meshes)
		})
	}
}

func TestReportEndpoint(t *testing.T) {
	rec := get(t, newHTTPServer(NewResultStore(align.DefaultThresholds(), nil), nil), "/report.json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = get(t, newHTTPServer(populatedStore(t), nil), "/report.json")
	require.Equal(t, http.StatusOK, rec.Code)
	var report align.BatchReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Accepted)
	assert.Equal(t, 1, report.Failures[align.ReasonGeometryDegenerate])
}

func TestOutcomesEndpoint(t *testing.T) {
	rec := get(t, newHTTPServer(populatedStore(t), nil), "/outcomes")
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []align.OutcomeSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "12", summaries[0].MeshID)
	require.NotNil(t, summaries[0].Error)
	assert.Equal(t, 4.2, *summaries[0].Error)
	assert.Equal(t, "13", summaries[1].MeshID)
	assert.Nil(t, summaries[1].Error)
}

func TestOutcomeEndpoint(t *testing.T) {
	h := newHTTPServer(populatedStore(t), nil)

	rec := get(t, h, "/outcome/12")
	require.Equal(t, http.StatusOK, rec.Code)
	var o align.Outcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&o))
	assert.Equal(t, align.StateAccepted, o.State)
	require.NotNil(t, o.Final)
	assert.Equal(t, align.MethodAnatomical, o.Final.Method)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/outcome/99").Code)
}

func TestPreviewEndpoint(t *testing.T) {
	h := newHTTPServer(populatedStore(t), nil)

	t.Run("png", func(t *testing.T) {
		for _, view := range []string{"", "?view=front", "?view=profile", "?view=top"} {
			rec := get(t, h, "/preview/12.png"+view)
			require.Equal(t, http.StatusOK, rec.Code, view)
			assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
			img, err := png.Decode(rec.Body)
			require.NoError(t, err)
			assert.Equal(t, 512, img.Bounds().Dx())
		}
	})

	t.Run("svg", func(t *testing.T) {
		rec := get(t, h, "/preview/12.svg")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
		assert.True(t, strings.Contains(rec.Body.String(), "<svg"))
	})

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"unknown mesh", "/preview/99.png", http.StatusNotFound},
		{"no aligned mesh", "/preview/13.png", http.StatusServiceUnavailable},
		{"unsupported extension", "/preview/12.jpg", http.StatusNotFound},
		{"bad view", "/preview/12.png?view=side", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, get(t, h, tt.target).Code)
		})
	}
}

func TestPreviewEndpoint_MissingFile(t *testing.T) {
	o := alignedOutcome(t, t.TempDir(), "12")
	o.Final.OutputPath = filepath.Join(t.TempDir(), "gone.ply")
	s := NewResultStore(align.DefaultThresholds(), nil)
	s.Record(o)

	rec := get(t, newHTTPServer(s, nil), "/preview/12.png")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestParseView(t *testing.T) {
	for _, s := range []string{"", "front", "profile", "top"} {
		_, err := parseView(s)
		assert.NoError(t, err, s)
	}
	_, err := parseView("back")
	assert.ErrorContains(t, err, "unknown view back")
}
