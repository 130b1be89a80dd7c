// Package csvstore persists range bars and indicator rows as CSV files.
// Each store keeps the session's rows in memory and rewrites the whole file
// atomically on flush (write to a temp file, then rename), so a crash mid
// write never leaves a truncated file behind. An existing file from a prior
// session is archived, not appended to.
package csvstore

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const timeLayout = "2006-01-02 15:04:05.000"

// formatTime renders a millisecond epoch in the store's timezone.
func formatTime(ms int64, loc *time.Location) string {
	return time.UnixMilli(ms).In(loc).Format(timeLayout)
}

// parseTime parses a stored timestamp back to a millisecond epoch.
func parseTime(s string, loc *time.Location) (int64, error) {
	t, err := time.ParseInLocation(timeLayout, s, loc)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// formatFloat renders a float with minimal digits that round-trip exactly.
// NaN becomes an empty cell.
func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// parseFloat is the inverse of formatFloat: an empty cell reads as NaN.
func parseFloat(s string) (float64, error) {
	if s == "" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// archiveIfExists moves an existing file aside under a unique name so a new
// session starts from a fresh file. Returns the archive path, or "" when
// there was nothing to archive.
func archiveIfExists(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	archived := fmt.Sprintf("%s_%s%s", base, uuid.New().String()[:8], ext)
	if err := os.Rename(path, archived); err != nil {
		return "", fmt.Errorf("archive %s: %w", path, err)
	}
	return archived, nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
