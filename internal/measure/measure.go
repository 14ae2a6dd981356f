// Package measure holds the canonical time-series data point produced by a fire.
package measure

import "time"

// Measurement is one extracted data point.
//
// It is a plain value: the broker copies it into every subscriber's buffer,
// so consumers never share mutable state.
type Measurement struct {
	Source      string  `json:"source"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Value       float64 `json:"value"`
	Timestamp   int64   `json:"timestamp"` // epoch seconds
}

// Time returns the timestamp as a time.Time.
func (m Measurement) Time() time.Time { return time.Unix(m.Timestamp, 0) }

// Point is one (description, value) pair inside a Group.
type Point struct {
	Description string
	Value       float64
}

// Group is one {measure_name, measure_data} object extracted by a query.
type Group struct {
	Name   string
	Points []Point
}

// Flatten expands groups into measurements that share source and timestamp.
func Flatten(source string, ts time.Time, groups []Group) []Measurement {
	n := 0
	for _, g := range groups {
		n += len(g.Points)
	}
	out := make([]Measurement, 0, n)
	sec := ts.Unix()
	for _, g := range groups {
		for _, p := range g.Points {
			out = append(out, Measurement{
				Source:      source,
				Name:        g.Name,
				Description: p.Description,
				Value:       p.Value,
				Timestamp:   sec,
			})
		}
	}
	return out
}
