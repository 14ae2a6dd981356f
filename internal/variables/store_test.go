package variables

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{
		"ONE":     "1",
		"TWO":     "2",
		"SYMBOLS": "TRP,INTC,$SPX.X",
		"TOKEN":   "abc def/+",
	})

	tests := []struct {
		name   string
		tmpl   string
		encode bool
		want   string
	}{
		{name: "no placeholders", tmpl: "https://example.com/x?y=1", want: "https://example.com/x?y=1"},
		{name: "one", tmpl: "Text string looking to swap [[ONE]] Variable.", want: "Text string looking to swap 1 Variable."},
		{name: "several with unknown", tmpl: "Swap [[ONE]] Variable and [[TWO]] Variables and [[NO]]no Variable.", want: "Swap 1 Variable and 2 Variables and no Variable."},
		{name: "repeated", tmpl: "[[ONE]]-[[ONE]]-[[ONE]]", want: "1-1-1"},
		{name: "encoded", tmpl: "q?symbol=[[SYMBOLS]]", encode: true, want: "q?symbol=TRP%2CINTC%2C%24SPX%2EX"},
		{name: "header not encoded", tmpl: "Bearer [[TOKEN]]", want: "Bearer abc def/+"},
		{name: "unterminated", tmpl: "a [[ONE]] b [[TWO", want: "a 1 b [[TWO"},
		{name: "close before open", tmpl: "]] [[ONE]]", want: "]] 1"},
		{name: "empty name", tmpl: "x[[]]y", want: "xy"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, s.Substitute(tt.tmpl, tt.encode))
		})
	}
}

func TestSubstituteDoesNotRescanInsertedValues(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{
		"SELF":  "[[SELF]]",
		"OTHER": "[[ONE]]",
		"ONE":   "1",
	})
	assert.Equal(t, "x[[SELF]]y", s.Substitute("x[[SELF]]y", false))
	assert.Equal(t, "[[ONE]] and 1", s.Substitute("[[OTHER]] and [[ONE]]", false))
}

func TestSubstituteLeavesNoKnownTokens(t *testing.T) {
	t.Parallel()
	seed := map[string]string{}
	var parts []string
	for i := 0; i < 25; i++ {
		name := fmt.Sprintf("V%d", i)
		if i%3 != 0 {
			seed[name] = fmt.Sprintf("val%d", i)
		}
		parts = append(parts, "["+"["+name+"]"+"]")
	}
	s := New(seed)
	out := s.Substitute(strings.Join(parts, "/"), true)
	assert.NotContains(t, out, "[[")
	assert.NotContains(t, out, "]]")
	assert.Contains(t, out, "val1")
	assert.NotContains(t, out, "V0")
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(nil)
	pairs := []Pair{{Name: "variable_name", Value: "name"}, {Name: "variable_data", Value: "data"}}
	s.SetPairs(pairs)
	s.Set("a", "1")
	s.Set("a", "2")

	for _, p := range pairs {
		v, ok := s.Get(p.Name)
		require.True(t, ok, p.Name)
		assert.Equal(t, p.Value, v)
	}
	v, _ := s.Get("a")
	assert.Equal(t, "2", v, "last writer wins")
	_, ok := s.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []string{"a", "variable_data", "variable_name"}, s.Names())
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{"k": "v"})
	snap := s.Snapshot()
	snap["k"] = "changed"
	v, _ := s.Get("k")
	assert.Equal(t, "v", v)
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()
	s := New(map[string]string{"TOKEN": "t0"})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.SetPairs([]Pair{{Name: "TOKEN", Value: fmt.Sprintf("t%d-%d", w, i)}})
			}
		}(w)
	}
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				out := s.Substitute("Bearer [[TOKEN]]", false)
				if !strings.HasPrefix(out, "Bearer t") {
					t.Errorf("unexpected substitution %q", out)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPercentEncode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abcXYZ019", PercentEncode("abcXYZ019"))
	assert.Equal(t, "a%20b%2Dc%5F%7E%2E", PercentEncode("a b-c_~."))
	assert.Equal(t, "%C3%A9", PercentEncode("é"))
}

func TestPlaceholders(t *testing.T) {
	t.Parallel()
	got := Placeholders("grant_type=refresh_token&refresh_token=[[TDREFRESHTOKEN]]&client_id=[[TDCLIENTID]]&again=[[TDCLIENTID]]")
	assert.Equal(t, []string{"TDREFRESHTOKEN", "TDCLIENTID"}, got)
	assert.Empty(t, Placeholders("plain"))
}
