package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// ReportSuffix is appended to the quarantined file name to form the
// sidecar report path.
const ReportSuffix = ".error-report.json"

// Report is the JSON sidecar written next to a quarantined file.
type Report struct {
	OriginalPath   string      `json:"original_path"`
	QuarantinePath string      `json:"quarantine_path"`
	QuarantinedAt  time.Time   `json:"quarantined_at"`
	Hostname       string      `json:"hostname,omitempty"`
	Error          ErrorRecord `json:"error"`
}

// ErrQuarantineDisabled is returned when no quarantine root is configured.
var ErrQuarantineDisabled = errors.New("quarantine root not configured")

// Quarantine moves rec.FilePath to
// <root>/<yyyy-MM>/<yyyyMMdd-HHmmss>-<error-id>-<name> and writes a sidecar
// report. It returns the new path of the file.
func (c *Classifier) Quarantine(rec *ErrorRecord) (string, error) {
	if c.opts.QuarantineRoot == "" {
		return "", ErrQuarantineDisabled
	}
	if rec == nil || rec.FilePath == "" {
		return "", errors.New("quarantine: record has no file path")
	}

	if _, err := os.Lstat(rec.FilePath); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", rec.FilePath, err)
	}

	now := c.opts.Now()
	dir := filepath.Join(c.opts.QuarantineRoot, now.Format("2006-01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating quarantine directory: %w", err)
	}

	dest, err := uniqueName(dir, quarantineName(now, rec.ID, filepath.Base(rec.FilePath)))
	if err != nil {
		return "", err
	}

	if err := moveFile(rec.FilePath, dest); err != nil {
		return "", fmt.Errorf("moving %s to quarantine: %w", rec.FilePath, err)
	}

	snapshot := *rec.clone()
	report := Report{
		OriginalPath:   rec.FilePath,
		QuarantinePath: dest,
		QuarantinedAt:  now,
		Error:          snapshot,
	}
	report.Hostname, _ = os.Hostname()

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return dest, fmt.Errorf("encoding quarantine report: %w", err)
	}
	if err := renameio.WriteFile(dest+ReportSuffix, data, 0o644); err != nil {
		return dest, fmt.Errorf("writing quarantine report: %w", err)
	}

	c.mu.Lock()
	c.quarantined++
	c.byCategory[CategoryQuarantine]++
	delete(c.history, key{context: rec.OperationContext, path: rec.FilePath})
	c.mu.Unlock()

	if c.opts.OnQuarantine != nil {
		c.opts.OnQuarantine(snapshot, dest)
	}
	return dest, nil
}

// ReadReport loads the sidecar report for a quarantined file.
func ReadReport(quarantinePath string) (*Report, error) {
	data, err := os.ReadFile(quarantinePath + ReportSuffix)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", quarantinePath+ReportSuffix, err)
	}
	return &r, nil
}

// ListReports walks the quarantine root and returns every report, newest
// month first.
func ListReports(root string) ([]Report, error) {
	months, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var reports []Report
	for i := len(months) - 1; i >= 0; i-- {
		if !months[i].IsDir() {
			continue
		}
		dir := filepath.Join(root, months[i].Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ReportSuffix) {
				continue
			}
			r, err := ReadReport(filepath.Join(dir, strings.TrimSuffix(e.Name(), ReportSuffix)))
			if err != nil {
				continue
			}
			reports = append(reports, *r)
		}
	}
	return reports, nil
}

func quarantineName(now time.Time, id, name string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102-150405"), short, name)
}

// uniqueName appends -1, -2, ... before the extension until neither the
// file nor its report exist.
func uniqueName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if !exists(path) && !exists(path+ReportSuffix) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no free quarantine name for %s in %s", name, dir)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// moveFile renames src to dst, copying across devices when needed.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return os.Remove(src)
}
