// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is a bespoke in-memory instrument registry: counters,
// gauges, bounded-ring histograms, and running timer aggregates, each keyed
// by name and a sorted label set. It exists because the category-gated,
// exact-percentile contract this system needs isn't expressible over
// go.opentelemetry.io/otel/metric's bucketed aggregation model (see
// DESIGN.md).
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const histogramCap = 1000

// Categories gates recording by metric name prefix.
type Categories struct {
	Enabled bool
	Query   bool
	SQL     bool
	DB      bool
}

func (c Categories) allows(name string) bool {
	if !c.Enabled {
		return false
	}
	switch {
	case strings.HasPrefix(name, "mcp.query."):
		return c.Query
	case strings.HasPrefix(name, "mcp.sql."):
		return c.SQL
	case strings.HasPrefix(name, "mcp.db."), strings.HasPrefix(name, "mcp.schema."), strings.HasPrefix(name, "mcp.validation."):
		return c.DB
	default:
		return true
	}
}

type timerStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (t *timerStats) avg() float64 {
	if t.count == 0 {
		return 0
	}
	return t.sum / float64(t.count)
}

// Snapshot is the serializable point-in-time view returned by Snapshot.
type Snapshot struct {
	Counters   map[string]float64            `json:"counters"`
	Gauges     map[string]float64            `json:"gauges"`
	Histograms map[string][]float64          `json:"histograms"`
	Timers     map[string]TimerSnapshot      `json:"timers"`
}

// TimerSnapshot is the running aggregate exposed for one timer key.
type TimerSnapshot struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// Collector is the mutex-guarded instrument registry.
type Collector struct {
	categories Categories

	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
	timers     map[string]*timerStats
}

func New(categories Categories) *Collector {
	return &Collector{
		categories: categories,
		counters:   map[string]float64{},
		gauges:     map[string]float64{},
		histograms: map[string][]float64{},
		timers:     map[string]*timerStats{},
	}
}

// key renders "name{k1=v1,k2=v2}" with labels sorted for determinism.
func key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%s", k, labels[k])
	}
	return fmt.Sprintf("%s{%s}", name, strings.Join(pairs, ","))
}

func (c *Collector) Increment(name string, value float64, labels map[string]string) {
	if !c.categories.allows(name) {
		return
	}
	k := key(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[k] += value
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	if !c.categories.allows(name) {
		return
	}
	k := key(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[k] = value
}

func (c *Collector) RecordHistogram(name string, value float64, labels map[string]string) {
	if !c.categories.allows(name) {
		return
	}
	k := key(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	samples := c.histograms[k]
	samples = append(samples, value)
	if len(samples) > histogramCap {
		samples = samples[len(samples)-histogramCap:]
	}
	c.histograms[k] = samples
}

func (c *Collector) RecordTimer(name string, durationMs float64, labels map[string]string) {
	if !c.categories.allows(name) {
		return
	}
	k := key(name, labels)
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timers[k]
	if !ok {
		t = &timerStats{min: durationMs, max: durationMs}
		c.timers[k] = t
	}
	t.count++
	t.sum += durationMs
	if durationMs < t.min {
		t.min = durationMs
	}
	if durationMs > t.max {
		t.max = durationMs
	}
}

// Percentile computes the p-th percentile (0-100) over the retained samples
// for key k: the sorted sample at index p/100*(n-1), rounded to the nearest
// integer.
func (c *Collector) Percentile(name string, labels map[string]string, p float64) (float64, bool) {
	k := key(name, labels)
	c.mu.Lock()
	samples := append([]float64(nil), c.histograms[k]...)
	c.mu.Unlock()
	if len(samples) == 0 {
		return 0, false
	}
	sort.Float64s(samples)
	idx := int(p/100*float64(len(samples)-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx], true
}

// Snapshot renders the full current state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counters := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	histograms := make(map[string][]float64, len(c.histograms))
	for k, v := range c.histograms {
		cp := make([]float64, len(v))
		copy(cp, v)
		histograms[k] = cp
	}
	timers := make(map[string]TimerSnapshot, len(c.timers))
	for k, t := range c.timers {
		timers[k] = TimerSnapshot{Count: t.count, Sum: t.sum, Min: t.min, Max: t.max, Avg: t.avg()}
	}

	return Snapshot{Counters: counters, Gauges: gauges, Histograms: histograms, Timers: timers}
}
