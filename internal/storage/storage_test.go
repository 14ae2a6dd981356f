package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datawatch/internal/task/producer"
	logx "datawatch/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", "  NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	drivers := map[string]string{
		"file":   "audit.json",
		"sqlite": "audit.db",
	}
	for driver, name := range drivers {
		driver, name := driver, name
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "state", name)}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			ctx := context.Background()

			base := time.UnixMilli(1700000000000)
			recs := []FireRecord{
				{At: base, ProducerID: "p1", Source: "TOKEN", Fire: 1, Outcome: "ok", Status: 200, TookMS: 12, Pairs: 1},
				{At: base.Add(time.Second), ProducerID: "p2", Source: "COINBASE", Fire: 1, Outcome: "ok", Status: 200, TookMS: 40, Measurements: 3},
				{At: base.Add(2 * time.Second), ProducerID: "p2", Source: "COINBASE", Fire: 2, Outcome: "transport", Status: 503, Error: "status 503"},
			}
			for _, r := range recs {
				require.NoError(t, st.AppendFire(ctx, r))
			}

			got, err := st.RecentFires(ctx, "COINBASE", 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, uint64(2), got[0].Fire)
			assert.Equal(t, "status 503", got[0].Error)
			assert.True(t, got[0].At.Equal(recs[2].At))
			assert.Equal(t, 3, got[1].Measurements)

			got, err = st.RecentFires(ctx, "", 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "COINBASE", got[0].Source)

			got, err = st.RecentFires(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, got, 3)

			require.NoError(t, st.Close())
			assert.Error(t, st.AppendFire(ctx, recs[0]))
		})
	}
}

func TestSQLitePrune(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	s := st.(*sqliteStore)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.AppendFire(ctx, FireRecord{At: now.Add(-48 * time.Hour), Source: "old", Outcome: "ok"}))
	require.NoError(t, s.AppendFire(ctx, FireRecord{At: now, Source: "new", Outcome: "ok"}))
	require.NoError(t, s.prune(ctx, now.Add(-24*time.Hour)))

	got, err := s.RecentFires(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Source)
}

func TestRecorderAppendsReports(t *testing.T) {
	t.Parallel()
	assert.Nil(t, NewRecorder(nil, 0, logx.Nop()))

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	rec := NewRecorder(st, 4, logx.Nop())
	rec.ObserveFire(producer.Report{
		ProducerID: "id-1",
		Source:     "WEATHER",
		Fire:       4,
		Started:    time.UnixMilli(1700000000000),
		Took:       1500 * time.Millisecond,
		Outcome:    producer.OutcomeParse,
		Err:        errors.New("invalid json"),
	})
	require.NoError(t, rec.Close(context.Background()))

	got, err := st.RecentFires(context.Background(), "WEATHER", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "id-1", got[0].ProducerID)
	assert.Equal(t, uint64(4), got[0].Fire)
	assert.Equal(t, "invalid json", got[0].Error)
	assert.True(t, got[0].At.Equal(time.UnixMilli(1700000000000)))
	assert.Equal(t, int64(1500), got[0].TookMS)
	assert.Equal(t, "parse", got[0].Outcome)

	// closed recorders drop instead of panicking on a closed queue
	rec.ObserveFire(producer.Report{Source: "WEATHER"})
	assert.Equal(t, uint64(1), rec.Dropped())
}

// slowStore blocks every append until release is closed.
type slowStore struct {
	Store
	release chan struct{}
	mu      sync.Mutex
	n       int
}

func (s *slowStore) AppendFire(ctx context.Context, _ FireRecord) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func TestRecorderNeverBlocksProducer(t *testing.T) {
	t.Parallel()
	st := &slowStore{release: make(chan struct{})}
	rec := NewRecorder(st, 2, logx.Nop())

	start := time.Now()
	for i := 0; i < 10; i++ {
		rec.ObserveFire(producer.Report{Source: "COINBASE", Fire: uint64(i + 1)})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "ObserveFire waited on the store")
	// one record in the writer, two queued, the rest dropped
	assert.GreaterOrEqual(t, rec.Dropped(), uint64(7))

	close(st.release)
	require.NoError(t, rec.Close(context.Background()))
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, uint64(10), uint64(st.n)+rec.Dropped())
}
