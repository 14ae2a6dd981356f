// Package consumer holds the built-in measurement sinks.
//
// Each sink implements broker.Consumer and is driven by its own broker
// delivery goroutine, so implementations need not be safe for concurrent
// Consume calls, only for Consume racing with Close.
package consumer

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"datawatch/internal/measure"
)

// Stdout writes one human-readable line per measurement.
type Stdout struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdout writes to w (usually os.Stdout).
func NewStdout(w io.Writer) *Stdout { return &Stdout{w: w} }

func (s *Stdout) Consume(m measure.Measurement) error {
	line := fmt.Sprintf("%s %s %s %s=%s\n",
		m.Time().UTC().Format(time.RFC3339),
		m.Source,
		m.Name,
		m.Description,
		strconv.FormatFloat(m.Value, 'f', -1, 64),
	)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, line)
	return err
}
