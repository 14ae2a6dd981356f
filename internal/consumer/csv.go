package consumer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"datawatch/internal/measure"
)

// CSVHeader is written once when the file is created empty.
var CSVHeader = []string{"source", "name", "description", "value", "timestamp"}

// CSV appends one row per measurement and flushes after every row, so a
// crash loses at most the row being written.
type CSV struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenCSV opens (or creates) path for appending.
func OpenCSV(path string) (*CSV, error) {
	if path == "" {
		path = "data.csv"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("csv: mkdir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", path, err)
	}
	c := &CSV{f: f, w: csv.NewWriter(f)}

	st, err := f.Stat()
	if err == nil && st.Size() == 0 {
		if err := c.write(CSVHeader); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CSV) Consume(m measure.Measurement) error {
	return c.write([]string{
		m.Source,
		m.Name,
		m.Description,
		strconv.FormatFloat(m.Value, 'f', -1, 64),
		strconv.FormatInt(m.Timestamp, 10),
	})
}

func (c *CSV) write(row []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return os.ErrClosed
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("csv: write: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("csv: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return nil
	}
	c.w.Flush()
	err := c.f.Close()
	c.f = nil
	return err
}
