package sample_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name    string
	set     *sample.Set
	err     error
	columns []string
	calls   int
}

func (f *fakeSource) Name() string                 { return f.name }
func (f *fakeSource) Open(_ context.Context) error { return nil }
func (f *fakeSource) Close() error                 { return nil }
func (f *fakeSource) Columns() []string            { return f.columns }

func (f *fakeSource) Collect(_ context.Context) (*sample.Set, error) {
	f.calls++
	return f.set, f.err
}

func setOf(pairs ...any) *sample.Set {
	s := sample.NewSet()
	for i := 0; i < len(pairs); i += 2 {
		s.Put(pairs[i].(string), pairs[i+1].(float64))
	}
	return s
}

func TestSetLastWriteWinsKeepsPosition(t *testing.T) {
	s := sample.NewSet()
	s.Put("a", 1)
	s.Put("b", 2)
	s.Put("a", 3)

	assert.Equal(t, []string{"a", "b"}, s.Keys())
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, v)
	assert.Equal(t, 2, s.Len())
}

func TestRecordIsDetachedFromSet(t *testing.T) {
	s := setOf("cpu_percent", 10.0)
	rec := sample.NewRecord(time.Unix(0, 0), "run", s)
	s.Put("memory_mb", 5)

	assert.Equal(t, []string{"cpu_percent"}, rec.Keys())
	assert.False(t, rec.Empty())
}

func TestAggregatorIsolatesFailures(t *testing.T) {
	sys := &fakeSource{name: "system", set: setOf("cpu_percent", 12.0, "memory_mb", 300.0), columns: []string{"cpu_percent", "memory_mb"}}
	gpu := &fakeSource{name: "probe", err: stderrors.New("exit status 1")}
	bat := &fakeSource{name: "battery", set: setOf("battery_percent", 80.0)}

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	agg := sample.NewAggregator("run-1", sys, gpu, bat).WithClock(func() time.Time { return ts })

	rec, outcomes := agg.Collect(context.Background(), nil)

	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, []string{"cpu_percent", "memory_mb", "battery_percent"}, rec.Keys())
	require.Len(t, outcomes, 3)
	assert.Error(t, outcomes[1].Err)
	assert.Equal(t, 2, outcomes[0].Count)
	assert.Equal(t, []string{"cpu_percent", "memory_mb"}, agg.Columns())
}

func TestAggregatorCollisionLastMergedWins(t *testing.T) {
	a := &fakeSource{name: "a", set: setOf("x", 1.0)}
	b := &fakeSource{name: "b", set: setOf("x", 2.0)}

	rec, _ := sample.NewAggregator("", a, b).Collect(context.Background(), nil)

	v, ok := rec.Value("x")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
}

func TestAggregatorSkip(t *testing.T) {
	a := &fakeSource{name: "a", set: setOf("x", 1.0)}
	b := &fakeSource{name: "b", set: setOf("y", 2.0)}

	rec, outcomes := sample.NewAggregator("", a, b).Collect(context.Background(), func(s sample.Source) bool {
		return s.Name() == "b"
	})

	assert.Equal(t, []string{"x"}, rec.Keys())
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 0, b.calls)
}
