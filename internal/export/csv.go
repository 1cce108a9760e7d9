// Package export writes finished runs to CSV files: one value per row in
// acquisition order, no header, named after the run's completion time.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// fileLayout renders YYYYMMDD-HHMM.
const fileLayout = "20060102-1504"

// FileName returns the export file name for a run finished at t.
func FileName(t time.Time) string {
	return t.Format(fileLayout) + ".csv"
}

// FormatValue renders v in its shortest decimal form and always keeps a
// fractional part, so 1 is written as "1.0" and 3.25 as "3.25".
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if math.IsInf(v, 0) || math.IsNaN(v) || strings.ContainsRune(s, '.') {
		return s
	}
	return s + ".0"
}

// Rows formats each value as one CSV row.
func Rows(values []float64) []string {
	rows := make([]string, len(values))
	for i, v := range values {
		rows[i] = FormatValue(v)
	}
	return rows
}

// Write emits one value per row to w.
func Write(w io.Writer, values []float64) error {
	cw := csv.NewWriter(w)
	for _, row := range Rows(values) {
		if err := cw.Write([]string{row}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFile writes values to dest. If dest is empty or an existing
// directory, the file is created inside it under FileName(finishedAt).
// An existing file of the same name is overwritten, as two runs finished
// in the same minute share a name. Returns the path written.
func WriteFile(dest string, finishedAt time.Time, values []float64) (string, error) {
	path := dest
	if dest == "" {
		path = FileName(finishedAt)
	} else if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		path = filepath.Join(dest, FileName(finishedAt))
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("export: mkdir %s: %w", dir, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: create %s: %w", path, err)
	}
	if err := Write(f, values); err != nil {
		f.Close()
		return "", fmt.Errorf("export: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("export: close %s: %w", path, err)
	}
	return path, nil
}
