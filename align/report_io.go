package align

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
)

// DefaultReportPath is where batch results are written when no path is given.
const DefaultReportPath = "alignment-report.json"

// LoadResult loads batch results from a JSON file. A missing file returns
// nil, nil.
func LoadResult(path string) (*BatchResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading report file: %w", err)
	}

	var res BatchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing report file: %w", err)
	}
	return &res, nil
}

// SaveResult writes batch results as indented JSON, creating parent
// directories.
func SaveResult(path string, res *BatchResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	return nil
}

// WriteSummary prints a human readable summary of r. top limits the number
// of ranking rows; 0 prints none.
func WriteSummary(w io.Writer, r BatchReport, top int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Meshes:\t%d\n", r.Total)
	fmt.Fprintf(tw, "Accepted:\t%d\n", r.Accepted)
	fmt.Fprintf(tw, "Failed:\t%d\n", r.Failed)
	fmt.Fprintf(tw, "Retried:\t%d\n", r.Retried)
	if r.Abandoned > 0 {
		fmt.Fprintf(tw, "Abandoned:\t%d\n", r.Abandoned)
	}
	if r.Partial {
		fmt.Fprintf(tw, "Partial:\tyes\n")
	}
	fmt.Fprintln(tw)

	fmt.Fprintf(tw, "Tier\tCount\tMean\tMedian\n")
	for _, t := range Tiers {
		s := r.PerTier[t]
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\n", t, r.Tiers[t], s.Mean, s.Median)
	}
	fmt.Fprintln(tw)

	o := r.Overall
	fmt.Fprintf(tw, "Error:\tmean %.2f\tmedian %.2f\tstd %.2f\tmin %.2f\tmax %.2f\n", o.Mean, o.Median, o.StdDev, o.Min, o.Max)
	if r.Scale.Count > 0 {
		fmt.Fprintf(tw, "Scale:\tmean %.3f\tmin %.3f\tmax %.3f\n", r.Scale.Mean, r.Scale.Min, r.Scale.Max)
	}

	for _, m := range Methods {
		if n := r.Methods[m]; n > 0 {
			fmt.Fprintf(tw, "Method %s:\t%d\n", m, n)
		}
	}
	for _, reason := range sortedKeys(r.Failures) {
		fmt.Fprintf(tw, "Failure %s:\t%d\n", reason, r.Failures[reason])
	}

	if len(r.Categories) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Category\tCount\tMean\tExcellent\tVery good\tGood\tPoor\n")
		for _, name := range sortedKeys(r.Categories) {
			c := r.Categories[name]
			fmt.Fprintf(tw, "%s\t%d\t%.2f\t%d\t%d\t%d\t%d\n", name, c.Count, c.Stats.Mean,
				c.Tiers[TierExcellent], c.Tiers[TierVeryGood], c.Tiers[TierGood], c.Tiers[TierPoor])
		}
	}

	if top > 0 && len(r.Ranking) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintf(tw, "Rank\tMesh\tMethod\tError\tTier\n")
		n := min(top, len(r.Ranking))
		for i, e := range r.Ranking[:n] {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%s\n", i+1, e.MeshID, e.Method, e.Error, e.Tier)
		}
		if len(r.Ranking) > n {
			fmt.Fprintln(tw, "...")
			worst := r.Ranking[len(r.Ranking)-1]
			fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%s\n", len(r.Ranking), worst.MeshID, worst.Method, worst.Error, worst.Tier)
		}
	}
	return tw.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
