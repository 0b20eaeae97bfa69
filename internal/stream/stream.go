// Package stream merges concurrent per-target output into one attributable
// record. Arrival order across targets is a display convenience, not an
// execution-order guarantee; per-target order is exact.
package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/akarev/fleetexec/internal/fleet"
)

// Line is one attributed output line in the merged record.
type Line struct {
	Target  string    `json:"target"`
	Attempt int       `json:"attempt"`
	Seq     uint64    `json:"seq"`
	Text    string    `json:"text"`
	Stderr  bool      `json:"stderr,omitempty"`
	At      time.Time `json:"at"`
}

// Aggregator accepts StreamEvents from any number of producers and
// serializes them through a single consumer loop, so lines are never
// interleaved mid-line. A bounded ingest channel provides backpressure.
type Aggregator struct {
	in   chan fleet.StreamEvent
	quit chan struct{}
	done chan struct{}
	once sync.Once

	mu    sync.Mutex
	lines []Line
}

// NewAggregator starts the consumer loop. buffer bounds how far producers
// may run ahead of the consumer.
func NewAggregator(buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Aggregator{
		in:   make(chan fleet.StreamEvent, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.consume()
	return a
}

func (a *Aggregator) consume() {
	defer close(a.done)
	for {
		select {
		case ev := <-a.in:
			a.record(ev)
		case <-a.quit:
			// Drain whatever producers managed to hand over.
			for {
				select {
				case ev := <-a.in:
					a.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) record(ev fleet.StreamEvent) {
	if ev.Final {
		return // sentinels carry outcome, not output
	}
	a.mu.Lock()
	a.lines = append(a.lines, Line{
		Target:  ev.Target,
		Attempt: ev.Attempt,
		Seq:     ev.Seq,
		Text:    ev.Line,
		Stderr:  ev.Stderr,
		At:      ev.Time,
	})
	a.mu.Unlock()
}

// Ingest is safe to call concurrently from any producer. It blocks when
// the consumer is saturated and becomes a no-op after Close.
func (a *Aggregator) Ingest(ev fleet.StreamEvent) {
	select {
	case a.in <- ev:
	case <-a.quit:
	}
}

// Snapshot returns the merged record ordered by arrival time, ties broken
// by target name then per-target sequence number.
func (a *Aggregator) Snapshot() []Line {
	a.mu.Lock()
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	a.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.Before(out[j].At)
		}
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		if out[i].Attempt != out[j].Attempt {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Close stops the consumer after draining whatever was already ingested.
// Further Ingest calls become no-ops.
func (a *Aggregator) Close() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}
