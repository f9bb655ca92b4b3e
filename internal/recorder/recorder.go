// Package recorder writes timestamped realtime variable snapshots to
// CSV files with automatic rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ecmlink/ecmlink/internal/dict"
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000 // Rotate after 100k rows

// Recorder appends one CSV row per snapshot, at most one row per
// interval. Columns are fixed at creation time.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	columns  []string
	maxRows  int
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// New creates a Recorder for the given variable columns.
func New(cfg Config, columns []string) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/ecmlink"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 200 * time.Millisecond // Default 5 Hz
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		columns:  append([]string(nil), columns...),
		maxRows:  maxRowsPerFile,
		now:      time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes a snapshot row if the minimum interval has elapsed.
// The variables must be in column order; nil or unrefreshed entries
// leave their cell empty.
func (r *Recorder) Record(vars []*dict.Variable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := r.now()
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[recorder] rotate failed: %v", err)
			return
		}
	}

	row := make([]string, len(r.columns)+1)
	row[0] = now.Format(time.RFC3339Nano)
	for i, v := range vars {
		if i >= len(r.columns) {
			break
		}
		if v != nil && v.Refreshed() {
			row[i+1] = strconv.FormatFloat(v.RawValue(), 'g', -1, 64)
		}
	}
	if err := r.writer.Write(row); err != nil {
		log.Printf("[recorder] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current log file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("ecmlink_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	header := append([]string{"timestamp"}, r.columns...)
	if err := r.writer.Write(header); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[recorder] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
