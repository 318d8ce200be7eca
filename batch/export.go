package batch

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/harvest/errors"
)

// Export writes the summary to path: CSV for a .csv path, indented JSON otherwise.
func Export(path string, summary Summary) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create results file")
	}
	defer file.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		err = writeCSV(file, summary)
	} else {
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		err = enc.Encode(summary)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write results to %s", path)
	}
	return file.Close()
}

var csvHeader = []string{"index", "theme", "target", "status", "succeeded", "duplicate", "failed", "bytes", "job_id", "output_dir", "error", "elapsed_seconds", "finished_at"}

func writeCSV(file *os.File, summary Summary) error {
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range summary.Results {
		row := []string{
			strconv.Itoa(r.Index + 1),
			r.Theme,
			strconv.Itoa(r.Target),
			r.Status,
			strconv.Itoa(r.Succeeded),
			strconv.Itoa(r.Duplicate),
			strconv.Itoa(r.Failed),
			strconv.FormatInt(r.Bytes, 10),
			r.JobID,
			r.OutputDir,
			r.Error,
			strconv.FormatFloat(r.ElapsedSeconds, 'f', 1, 64),
			r.FinishedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
