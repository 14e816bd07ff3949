package align

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DiscoverMeshes walks dir for PLY files. The job ID is the file name
// without extension and the category is the name of the directory holding
// the file, empty for files directly under dir. Jobs are sorted by path.
func DiscoverMeshes(dir string) ([]MeshJob, error) {
	var jobs []MeshJob
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".ply") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		category := filepath.Dir(rel)
		if category == "." {
			category = ""
		} else {
			category = filepath.Base(category)
		}
		jobs = append(jobs, MeshJob{
			ID:       meshIDFromPath(path),
			Path:     path,
			Category: category,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering meshes in %s: %w", dir, err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Path < jobs[j].Path })
	return jobs, nil
}

func meshIDFromPath(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// BatchResult holds the per-mesh outcomes of a batch, in job order, and
// their aggregate.
type BatchResult struct {
	Outcomes []Outcome   `json:"outcomes"`
	Report   BatchReport `json:"report"`
}

// OutcomeHandler is called once per finished mesh. It may be called from
// several goroutines at once.
type OutcomeHandler func(Outcome)

// RunBatch processes jobs with at most workers in flight. Every mesh is
// processed independently; a failure never stops the others. When ctx is
// canceled the unstarted meshes are skipped, meshes in flight are reported
// as abandoned and the report is marked partial.
func RunBatch(ctx context.Context, orch *Orchestrator, jobs []MeshJob, workers int, onOutcome OutcomeHandler) BatchResult {
	if workers < 1 {
		workers = 1
	}
	log := orch.logger.Named("batch")
	runID := uuid.NewString()
	started := time.Now().UTC()
	log.Info("batch started",
		zap.String("run", runID), zap.Int("meshes", len(jobs)), zap.Int("workers", workers))

	done := make([]bool, len(jobs))
	results := make([]Outcome, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out := orch.Process(gctx, job)
			results[i] = out
			done[i] = true
			if onOutcome != nil {
				onOutcome(out)
			}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]Outcome, 0, len(jobs))
	for i := range jobs {
		if done[i] {
			outcomes = append(outcomes, results[i])
		}
	}

	report := Aggregate(outcomes, orch.Thresholds())
	report.RunID = runID
	report.StartedAt = started
	report.FinishedAt = time.Now().UTC()
	report.Partial = len(outcomes) < len(jobs) || ctx.Err() != nil

	log.Info("batch finished",
		zap.String("run", runID),
		zap.Int("processed", len(outcomes)),
		zap.Int("accepted", report.Accepted),
		zap.Int("failed", report.Failed),
		zap.Int("abandoned", report.Abandoned),
		zap.Bool("partial", report.Partial))
	return BatchResult{Outcomes: outcomes, Report: report}
}
