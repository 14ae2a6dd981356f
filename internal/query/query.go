// Package query evaluates JMESPath expressions against JSON response bodies and
// enforces the result shapes the two response actions expect.
//
// Publish queries must produce one object of the form
//
//	{"measure_name": "BTC-USD", "measure_data": {"mark": 50000}}
//
// or an array of such objects. StoreVariable queries must produce a flat object
// of name to string.
package query

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jmespath/go-jmespath"

	"datawatch/internal/measure"
	"datawatch/internal/variables"
)

const (
	fieldName = "measure_name"
	fieldData = "measure_data"
)

// Query is a compiled expression. It is safe for concurrent use.
type Query struct {
	expr string
	jp   *jmespath.JMESPath
}

// Compile parses expr once so each fire only evaluates it.
func Compile(expr string) (*Query, error) {
	if expr == "" {
		return nil, fmt.Errorf("query: empty expression")
	}
	jp, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("query: compile %q: %w", expr, err)
	}
	return &Query{expr: expr, jp: jp}, nil
}

// MustCompile is Compile that panics on error. Intended for tests and constants.
func MustCompile(expr string) *Query {
	q, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return q
}

// String returns the source expression.
func (q *Query) String() string { return q.expr }

// Search parses body as JSON and evaluates the expression against it.
func (q *Query) Search(body []byte) (any, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	out, err := q.jp.Search(doc)
	if err != nil {
		return nil, &EvaluationError{Expr: q.expr, Err: err}
	}
	return out, nil
}

// Measurements evaluates the query and decodes measurement groups.
// Duplicate measure names in one array stay separate groups, in array order.
func (q *Query) Measurements(body []byte) ([]measure.Group, error) {
	res, err := q.Search(body)
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case map[string]any:
		g, err := decodeGroup(v)
		if err != nil {
			return nil, err
		}
		return []measure.Group{g}, nil
	case []any:
		out := make([]measure.Group, 0, len(v))
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, &ShapeMismatchError{Want: "measurement object", Got: kindOf(item), Path: fmt.Sprintf("[%d]", i)}
			}
			g, err := decodeGroup(obj)
			if err != nil {
				if sm, ok := err.(*ShapeMismatchError); ok {
					sm.Path = fmt.Sprintf("[%d].%s", i, sm.Path)
				}
				return nil, err
			}
			out = append(out, g)
		}
		return out, nil
	default:
		return nil, &ShapeMismatchError{Want: "measurement object or array", Got: kindOf(res)}
	}
}

// Pairs evaluates the query and decodes a flat name to string object.
// Pairs are sorted by name.
func (q *Query) Pairs(body []byte) ([]variables.Pair, error) {
	res, err := q.Search(body)
	if err != nil {
		return nil, err
	}
	obj, ok := res.(map[string]any)
	if !ok {
		return nil, &ShapeMismatchError{Want: "object of strings", Got: kindOf(res)}
	}
	out := make([]variables.Pair, 0, len(obj))
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			return nil, &ShapeMismatchError{Want: "string", Got: kindOf(v), Path: k}
		}
		out = append(out, variables.Pair{Name: k, Value: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func decodeGroup(obj map[string]any) (measure.Group, error) {
	name, ok := obj[fieldName].(string)
	if !ok {
		return measure.Group{}, &ShapeMismatchError{Want: "string", Got: kindOf(obj[fieldName]), Path: fieldName}
	}
	data, ok := obj[fieldData].(map[string]any)
	if !ok {
		return measure.Group{}, &ShapeMismatchError{Want: "object of numbers", Got: kindOf(obj[fieldData]), Path: fieldData}
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	g := measure.Group{Name: name, Points: make([]measure.Point, 0, len(keys))}
	for _, k := range keys {
		f, ok := data[k].(float64)
		if !ok {
			return measure.Group{}, &ShapeMismatchError{Want: "number", Got: kindOf(data[k]), Path: fieldData + "." + k}
		}
		g.Points = append(g.Points, measure.Point{Description: k, Value: f})
	}
	return g, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
