// Package hist records bucketed statistics for a stream of numeric
// observations, such as network delays.
package hist

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// Number is the set of types a Histogram can record.
type Number interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~float32 | ~float64
}

// Histogram counts observations into buckets bounded by ascending boundary
// values. An observation lands in the first bucket whose boundary is >= the
// value; values above every boundary land in the overflow bucket.
//
// A Histogram is not safe for concurrent use.
type Histogram[T Number] struct {
	name   string
	bounds []T
	counts []uint64 // len(bounds)+1, last is overflow
	min    T
	max    T
	mean   float64
	count  uint64
}

// New creates a histogram. bounds are copied and sorted.
func New[T Number](name string, bounds ...T) *Histogram[T] {
	b := slices.Clone(bounds)
	slices.Sort(b)
	b = slices.Compact(b)
	return &Histogram[T]{
		name:   name,
		bounds: b,
		counts: make([]uint64, len(b)+1),
	}
}

// Name returns the metric name.
func (h *Histogram[T]) Name() string { return h.name }

// Add records one observation.
func (h *Histogram[T]) Add(v T) {
	i, _ := slices.BinarySearch(h.bounds, v)
	h.counts[i]++

	if h.count == 0 || v < h.min {
		h.min = v
	}
	if h.count == 0 || v > h.max {
		h.max = v
	}
	h.count++
	h.mean += (float64(v) - h.mean) / float64(h.count)
}

func (h *Histogram[T]) Count() uint64 { return h.count }
func (h *Histogram[T]) Min() T        { return h.min }
func (h *Histogram[T]) Max() T        { return h.max }
func (h *Histogram[T]) Mean() float64 { return h.mean }

// Buckets returns a copy of the per-bucket counts. The last element is the
// overflow bucket.
func (h *Histogram[T]) Buckets() []uint64 { return slices.Clone(h.counts) }

// Snapshot is a point-in-time copy of a Histogram.
type Snapshot[T Number] struct {
	Name   string   `json:"name"`
	Bounds []T      `json:"bounds"`
	Counts []uint64 `json:"counts"`
	Min    T        `json:"min"`
	Max    T        `json:"max"`
	Mean   float64  `json:"mean"`
	Count  uint64   `json:"count"`
}

// Snapshot copies the current state.
func (h *Histogram[T]) Snapshot() Snapshot[T] {
	return Snapshot[T]{
		Name:   h.name,
		Bounds: slices.Clone(h.bounds),
		Counts: slices.Clone(h.counts),
		Min:    h.min,
		Max:    h.max,
		Mean:   h.mean,
		Count:  h.count,
	}
}

// LogValue implements slog.LogValuer.
func (s Snapshot[T]) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", s.Name),
		slog.String("min", format(s.Min)),
		slog.String("max", format(s.Max)),
		slog.String("mean", format(T(s.Mean))),
		slog.Uint64("count", s.Count),
	)
}

// String renders the snapshot as a small table, one line per bucket with
// its share of all observations.
func (s Snapshot[T]) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (min:%s max:%s mean:%s count:%d)\n",
		s.Name, format(s.Min), format(s.Max), format(T(s.Mean)), s.Count)
	for i, c := range s.Counts {
		label := "overflow"
		if i < len(s.Bounds) {
			label = "<= " + format(s.Bounds[i])
		}
		pct := 0.0
		if s.Count > 0 {
			pct = 100 * float64(c) / float64(s.Count)
		}
		fmt.Fprintf(&b, "  %-12s %d (%.2f%%)\n", label, c, pct)
	}
	return b.String()
}

func format[T Number](v T) string {
	if d, ok := any(v).(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}
