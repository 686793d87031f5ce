// Package history implements spec.md §6's history aggregation: a named
// time-range fetch for the sensor detail chart, and an adaptive windowed
// fetch that snaps to a fixed bucket ladder so `history_window` never
// returns more than roughly max_points rows regardless of how wide a
// window the caller asks for.
package history

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Mode selects how history_window aggregates its rows.
type Mode string

const (
	// ModeAuto buckets rows to the snapped ladder width.
	ModeAuto Mode = "auto"
	// ModeRaw returns untransformed rows regardless of window size.
	ModeRaw Mode = "raw"
)

// ParseMode maps a history_window `mode` query parameter to a Mode,
// defaulting to ModeAuto for anything other than the literal "raw".
func ParseMode(s string) Mode {
	if s == "raw" {
		return ModeRaw
	}
	return ModeAuto
}

// bucketLadder is the only bucket widths, in seconds, history_window is
// allowed to snap to, per spec.md §6.
var bucketLadder = []int{60, 300, 900, 3600, 21600, 86400}

// namedRanges maps history_range's time_range values to a lookback
// duration from now, per spec.md §8.
var namedRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"12h": 12 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// PingPoint is one row of ping history, raw or bucketed. Bucketed points
// use the bucket's start as Timestamp, the bucket average as LatencyMs,
// and the most recent row's Status within the bucket.
type PingPoint struct {
	Timestamp time.Time
	LatencyMs *float64
	Status    string
}

// EthernetPoint is one row of ethernet history, raw or bucketed. Speed and
// Status take the most recent row's value within a bucket; RxBPS/TxBPS
// average across the bucket.
type EthernetPoint struct {
	Timestamp time.Time
	Status    string
	Speed     string
	RxBPS     float64
	TxBPS     float64
}

// Store is what Aggregator needs from persistence. bucketSeconds == 0
// requests untransformed rows; any other value requests buckets of that
// width. A non-Postgres Store implementation can simply ignore
// bucketSeconds and always return raw rows, per spec.md §6.
type Store interface {
	PingHistory(ctx context.Context, sensorID string, start, end time.Time, bucketSeconds int) ([]PingPoint, error)
	EthernetHistory(ctx context.Context, sensorID string, start, end time.Time, bucketSeconds int) ([]EthernetPoint, error)
}

// Aggregator serves history_range and history_window for both sensor
// kinds, routing to Store with the bucket width already resolved.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator creates an Aggregator backed by store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// PingHistoryRange serves GET .../history_range?time_range=... for a ping
// sensor: always raw rows over a fixed, named lookback window.
func (a *Aggregator) PingHistoryRange(ctx context.Context, sensorID, timeRange string) ([]PingPoint, error) {
	lookback, ok := namedRanges[timeRange]
	if !ok {
		return nil, fmt.Errorf("unknown time_range %q", timeRange)
	}
	end := a.now()
	return a.store.PingHistory(ctx, sensorID, end.Add(-lookback), end, 0)
}

// EthernetHistoryRange is PingHistoryRange's ethernet-sensor counterpart.
func (a *Aggregator) EthernetHistoryRange(ctx context.Context, sensorID, timeRange string) ([]EthernetPoint, error) {
	lookback, ok := namedRanges[timeRange]
	if !ok {
		return nil, fmt.Errorf("unknown time_range %q", timeRange)
	}
	end := a.now()
	return a.store.EthernetHistory(ctx, sensorID, end.Add(-lookback), end, 0)
}

// PingHistoryWindow serves GET .../history_window for a ping sensor: an
// explicit start/end, bucketed to the snapped ladder width unless mode is
// ModeRaw.
func (a *Aggregator) PingHistoryWindow(ctx context.Context, sensorID string, start, end time.Time, maxPoints int, mode Mode) ([]PingPoint, error) {
	return a.store.PingHistory(ctx, sensorID, start, end, bucketSecondsFor(mode, start, end, maxPoints))
}

// EthernetHistoryWindow is PingHistoryWindow's ethernet-sensor counterpart.
func (a *Aggregator) EthernetHistoryWindow(ctx context.Context, sensorID string, start, end time.Time, maxPoints int, mode Mode) ([]EthernetPoint, error) {
	return a.store.EthernetHistory(ctx, sensorID, start, end, bucketSecondsFor(mode, start, end, maxPoints))
}

// bucketSecondsFor resolves the bucket width to request from Store: 0 (raw)
// for ModeRaw, otherwise the snapped ladder width for the window/max_points
// pair.
func bucketSecondsFor(mode Mode, start, end time.Time, maxPoints int) int {
	if mode == ModeRaw {
		return 0
	}
	return snapBucketSeconds(end.Sub(start), maxPoints)
}

// snapBucketSeconds implements spec.md §6: max(1, ceil(window_secs /
// max_points)) seconds, snapped up to the smallest ladder entry at least
// that wide, or the widest ladder entry if the raw width exceeds it.
func snapBucketSeconds(window time.Duration, maxPoints int) int {
	if maxPoints < 1 {
		maxPoints = 1
	}
	raw := int(math.Ceil(window.Seconds() / float64(maxPoints)))
	if raw < 1 {
		raw = 1
	}
	for _, b := range bucketLadder {
		if raw <= b {
			return b
		}
	}
	return bucketLadder[len(bucketLadder)-1]
}
