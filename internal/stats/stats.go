// Package stats aggregates live per-room viewer and chat telemetry and fans
// updates out to subscribers. It is observational only: failures here never
// affect uploads or transcodes.
package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"vodforge/internal/observability/metrics"
)

type EventType string

const (
	EventJoin       EventType = "join"
	EventLeave      EventType = "leave"
	EventMessage    EventType = "message"
	EventQuality    EventType = "quality"
	EventConversion EventType = "conversion"
)

// ErrInvalidEvent reports an event that cannot be applied.
var ErrInvalidEvent = errors.New("invalid stats event")

// Event is one telemetry observation for a room.
type Event struct {
	Type EventType `json:"type"`
	Room string    `json:"room"`
	// Quality is the reported playback height for quality events, as "720p"
	// or "720".
	Quality string `json:"quality,omitempty"`
	// Resolutions lists the produced tiers for conversion events.
	Resolutions []string  `json:"resolutions,omitempty"`
	At          time.Time `json:"at"`
}

// Sink receives telemetry events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// RoomStats is the aggregated view of one room.
type RoomStats struct {
	Room            string    `json:"room"`
	CurrentViewers  int       `json:"currentViewers"`
	PeakViewers     int       `json:"peakViewers"`
	TotalMessages   int       `json:"totalMessages"`
	QualitySwitches int       `json:"qualitySwitches"`
	AverageQuality  string    `json:"averageQuality,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type roomState struct {
	stats      RoomStats
	qualitySum int
}

// ParseQuality accepts "720p", "720P" or "720".
func ParseQuality(value string) (int, error) {
	trimmed := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(value)), "p")
	height, err := strconv.Atoi(trimmed)
	if err != nil || height <= 0 {
		return 0, fmt.Errorf("%w: quality %q", ErrInvalidEvent, value)
	}
	return height, nil
}

func validate(ev Event) error {
	if strings.TrimSpace(ev.Room) == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidEvent)
	}
	switch ev.Type {
	case EventJoin, EventLeave, EventMessage:
		return nil
	case EventQuality:
		_, err := ParseQuality(ev.Quality)
		return err
	case EventConversion:
		if len(ev.Resolutions) == 0 {
			return fmt.Errorf("%w: conversion needs resolutions", ErrInvalidEvent)
		}
		for _, r := range ev.Resolutions {
			if _, err := ParseQuality(r); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
}

// Aggregator keeps room stats in memory.
type Aggregator struct {
	mu      sync.RWMutex
	rooms   map[string]*roomState
	subs    map[*Subscription]struct{}
	buffer  int
	metrics *metrics.Recorder
	now     func() time.Time
}

// Option customises an Aggregator.
type Option func(*Aggregator)

func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithBuffer sets each subscription's channel capacity.
func WithBuffer(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.buffer = n
		}
	}
}

func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		rooms:  make(map[string]*roomState),
		subs:   make(map[*Subscription]struct{}),
		buffer: 32,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish applies ev and notifies subscribers of the room.
func (a *Aggregator) Publish(ctx context.Context, ev Event) error {
	if err := validate(ev); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	room, ok := a.rooms[ev.Room]
	if !ok {
		room = &roomState{stats: RoomStats{Room: ev.Room}}
		a.rooms[ev.Room] = room
	}
	room.apply(ev)
	room.stats.UpdatedAt = a.now()
	snapshot := room.stats
	// Delivering under the write lock keeps each subscriber's updates in
	// apply order.
	for sub := range a.subs {
		if sub.room != "" && sub.room != ev.Room {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			// Lagging subscribers miss updates rather than stall publishers.
		}
	}
	a.mu.Unlock()

	a.metrics.StatsEvent(string(ev.Type))
	return nil
}

func (r *roomState) apply(ev Event) {
	switch ev.Type {
	case EventJoin:
		r.stats.CurrentViewers++
		if r.stats.CurrentViewers > r.stats.PeakViewers {
			r.stats.PeakViewers = r.stats.CurrentViewers
		}
	case EventLeave:
		if r.stats.CurrentViewers > 0 {
			r.stats.CurrentViewers--
		}
	case EventMessage:
		r.stats.TotalMessages++
	case EventQuality:
		height, _ := ParseQuality(ev.Quality)
		r.qualitySum += height
		r.stats.QualitySwitches++
		avg := int(math.Round(float64(r.qualitySum) / float64(r.stats.QualitySwitches)))
		r.stats.AverageQuality = fmt.Sprintf("%dp", avg)
	case EventConversion:
		best := 0
		for _, res := range ev.Resolutions {
			if h, err := ParseQuality(res); err == nil && h > best {
				best = h
			}
		}
		r.stats.AverageQuality = fmt.Sprintf("%dp", best)
	}
}

// Stats returns the current view of room.
func (a *Aggregator) Stats(room string) (RoomStats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	state, ok := a.rooms[room]
	if !ok {
		return RoomStats{Room: room}, false
	}
	return state.stats, true
}

// Subscription streams stats snapshots. An empty room receives every room.
type Subscription struct {
	agg  *Aggregator
	room string
	ch   chan RoomStats
	once sync.Once
}

func (a *Aggregator) Subscribe(room string) *Subscription {
	sub := &Subscription{agg: a, room: room, ch: make(chan RoomStats, a.buffer)}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()
	return sub
}

func (s *Subscription) Updates() <-chan RoomStats {
	return s.ch
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.agg.mu.Lock()
		delete(s.agg.subs, s)
		s.agg.mu.Unlock()
		close(s.ch)
	})
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
