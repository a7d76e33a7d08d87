// Package cli provides output formatting for the lcdetect CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hyperjump/lcdetect/internal/models"
	"github.com/hyperjump/lcdetect/internal/session"
)

// OutputFormat is the format for CLI output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one tab-separated line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// optional renders a field that is only meaningful for some statuses.
func optional(ok bool, v interface{}) string {
	if !ok {
		return "-"
	}
	return fmt.Sprint(v)
}

func compactLine(r *models.Result) string {
	return fmt.Sprintf("%d\t%s\t%s\t%s", r.QueryID, r.Status,
		optional(r.HasCandidate(), r.TrainID), optional(r.HasInliers(), r.Inliers))
}

// WriteResults writes per-image detection results to w.
func WriteResults(w io.Writer, results []*models.Result, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if results == nil {
			results = []*models.Result{}
		}
		return writeJSON(w, results)
	case OutputCompact:
		for _, r := range results {
			fmt.Fprintln(w, compactLine(r))
		}
		return nil
	default:
		loops := 0
		for _, r := range results {
			if r.IsLoop() {
				loops++
			}
			fmt.Fprintln(w, r.String())
		}
		fmt.Fprintf(w, "\nProcessed %d image(s), %d loop closure(s)\n", len(results), loops)
		return nil
	}
}

// LoopPage is one page of stored results, as returned by GET /api/v1/loops.
type LoopPage struct {
	Loops []*models.LoopRecord `json:"loops"`
	Total int64                `json:"total"`
}

// WriteLoops writes a page of stored results to w.
func WriteLoops(w io.Writer, page *LoopPage, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if page.Loops == nil {
			page = &LoopPage{Loops: []*models.LoopRecord{}, Total: page.Total}
		}
		return writeJSON(w, page)
	case OutputCompact:
		for _, rec := range page.Loops {
			fmt.Fprintf(w, "%s\t%s\n", rec.RunID, compactLine(&rec.Result))
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d result(s), showing %d\n\n", page.Total, len(page.Loops))
		for _, rec := range page.Loops {
			fmt.Fprintf(w, "[%s] %s  %s\n", rec.RunID, rec.Result.String(), rec.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}
}

// StatusConfig is the configuration summary included in a status report.
type StatusConfig struct {
	StorageType  string  `json:"storage_type"`
	DatabasePath string  `json:"database_path,omitempty"`
	Codec        string  `json:"codec"`
	IndexType    string  `json:"index_type"`
	Delay        int     `json:"delay"`
	MinScore     float64 `json:"min_score"`
	MinInliers   int     `json:"min_inliers"`
}

// StatusReport is the shape of GET /api/v1/status.
type StatusReport struct {
	Session        *session.Status `json:"session"`
	Config         *StatusConfig   `json:"config,omitempty"`
	DiskUsageBytes *int64          `json:"disk_usage_bytes,omitempty"`
}

// WriteStatus writes a status report to w. Compact output is the same as text.
func WriteStatus(w io.Writer, st *StatusReport, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	if s := st.Session; s != nil {
		fmt.Fprintf(w, "run_id:             %s\n", s.RunID)
		fmt.Fprintf(w, "processed:          %d   # images processed in this run\n", s.Processed)
		fmt.Fprintf(w, "loops:              %d   # loop closures detected in this run\n", s.Loops)
		fmt.Fprintf(w, "indexed:            %d   # images searchable in the index\n", s.Detector.Indexed)
		fmt.Fprintf(w, "queued:             %d   # images waiting out the delay\n", s.Detector.Queued)
		fmt.Fprintf(w, "words:              %d   # descriptors in the index\n", s.Detector.Words)
		fmt.Fprintf(w, "neff:               %.1f\n", s.Detector.Neff)
		fmt.Fprintf(w, "stored_images:      %d\n", s.StoredImages)
		fmt.Fprintf(w, "stored_results:     %d\n", s.StoredResults)
		if s.Detector.LastLoop != nil {
			fmt.Fprintf(w, "last_loop:          %s\n", s.Detector.LastLoop)
		}
		if len(s.ByStatus) > 0 {
			names := make([]string, 0, len(s.ByStatus))
			for name := range s.ByStatus {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "# results by status")
			for _, name := range names {
				fmt.Fprintf(w, "%-20s%d\n", name+":", s.ByStatus[name])
			}
		}
	}
	if st.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # database files on disk\n", *st.DiskUsageBytes)
	}
	if c := st.Config; c != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		fmt.Fprintf(w, "storage_type:       %s\n", c.StorageType)
		if c.DatabasePath != "" {
			fmt.Fprintf(w, "database_path:      %s\n", c.DatabasePath)
		}
		fmt.Fprintf(w, "codec:              %s\n", c.Codec)
		fmt.Fprintf(w, "index_type:         %s\n", c.IndexType)
		fmt.Fprintf(w, "delay:              %d\n", c.Delay)
		fmt.Fprintf(w, "min_score:          %g\n", c.MinScore)
		fmt.Fprintf(w, "min_inliers:        %d\n", c.MinInliers)
	}
	return nil
}
