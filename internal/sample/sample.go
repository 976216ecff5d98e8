// Package sample holds the per-tick telemetry model: metric samples, the
// ordered metric set a source contributes, and the record the recorder
// persists.
package sample

import (
	"sort"
	"time"
)

// MetricSample is one value for one metric key in one tick.
type MetricSample struct {
	Key   string
	Value float64
}

// Set is an insertion-ordered collection of metric samples with at most one
// value per key. Putting an existing key overwrites the value in place.
type Set struct {
	keys   []string
	values map[string]float64
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{values: make(map[string]float64)}
}

// Put stores value under key. A later Put of the same key wins.
func (s *Set) Put(key string, value float64) {
	if s.values == nil {
		s.values = make(map[string]float64)
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get returns the value stored under key.
func (s *Set) Get(key string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in first-seen order.
func (s *Set) Keys() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Len returns the number of distinct keys.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Merge puts every sample of other into s, in other's order.
func (s *Set) Merge(other *Set) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		s.Put(k, other.values[k])
	}
}

// Samples returns the contents as a slice in key order.
func (s *Set) Samples() []MetricSample {
	if s == nil {
		return nil
	}
	out := make([]MetricSample, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, MetricSample{Key: k, Value: s.values[k]})
	}
	return out
}

// Map returns a copy of the contents keyed by metric.
func (s *Set) Map() map[string]float64 {
	out := make(map[string]float64, s.Len())
	if s == nil {
		return out
	}
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys in lexical order.
func (s *Set) SortedKeys() []string {
	keys := s.Keys()
	sort.Strings(keys)
	return keys
}

// Record is the single output of one tick. It is not modified after
// NewRecord returns.
type Record struct {
	Timestamp time.Time
	RunID     string
	metrics   *Set
}

// NewRecord builds a record owning a copy of metrics.
func NewRecord(ts time.Time, runID string, metrics *Set) *Record {
	own := NewSet()
	own.Merge(metrics)
	return &Record{Timestamp: ts, RunID: runID, metrics: own}
}

// Keys returns metric keys in the order they were merged.
func (r *Record) Keys() []string {
	return r.metrics.Keys()
}

// Value returns the value for key.
func (r *Record) Value(key string) (float64, bool) {
	return r.metrics.Get(key)
}

// Len returns the number of metrics carried.
func (r *Record) Len() int {
	return r.metrics.Len()
}

// Samples returns the metrics in merge order.
func (r *Record) Samples() []MetricSample {
	return r.metrics.Samples()
}

// Empty reports whether no source contributed anything this tick.
func (r *Record) Empty() bool {
	return r.metrics.Len() == 0
}
