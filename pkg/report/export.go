package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// Exporter writes report artifacts to a directory, one JSON file per
// (user, date). Re-exporting overwrites; the store stays the source of
// truth.
type Exporter struct {
	Dir string
}

// Export writes r to <dir>/<user_id>_<date>.json atomically.
func (e Exporter) Export(_ context.Context, r *ln.DailyReport) (string, error) {
	if e.Dir == "" {
		return "", faults.Invalid("Export", "report_export", fmt.Errorf("no export directory configured"))
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", faults.Transient("Export", "report_export", err)
	}
	blob, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", faults.Permanent("Export", "report_export", err)
	}

	name := fmt.Sprintf("%s_%s.json", r.UserID, r.ReportDate)
	path := filepath.Join(e.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return "", faults.Transient("Export", "report_export", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", faults.Transient("Export", "report_export", err)
	}
	return path, nil
}
