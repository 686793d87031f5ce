// Package alerts implements the per-sensor alert evaluation from
// spec.md §4.F: a consecutive-failure tolerance counter and a per-alert
// cooldown, gated so VLAN interfaces never evaluate link_down or
// speed_change.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kuuji/monitor360/internal/sensors"
)

// Notifier dispatches a fired alert to its configured channel. The real
// Telegram/webhook senders are out of scope here; LoggingNotifier
// provides a stub that only logs, for wiring in environments without a
// configured channel backend.
type Notifier interface {
	Notify(ctx context.Context, channelID string, s sensors.Sensor, alertType sensors.AlertType, details string) error
}

// HistoryRecorder appends a fired alert to durable alert_history.
type HistoryRecorder interface {
	AppendAlertHistory(ctx context.Context, sensorID, channelID, details string) error
}

// alertKey is alert_fail_counters/last_alert_times' composite key.
type alertKey struct {
	sensorID string
	alert    sensors.AlertType
}

// Engine holds the three maps spec.md §4.F names, guarded by one mutex
// since alert evaluation is CPU-only with no I/O under the lock.
type Engine struct {
	notifier Notifier
	history  HistoryRecorder
	log      *slog.Logger
	now      func() time.Time

	mu             sync.Mutex
	lastAlertTimes map[alertKey]time.Time
	failCounters   map[alertKey]int
	lastSpeed      map[string]string // sensor_id -> last_known_statuses[sensor_id].speed
}

// NewEngine creates an Engine. notifier/history may be nil only in tests
// that never reach a firing alert.
func NewEngine(notifier Notifier, history HistoryRecorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		notifier:       notifier,
		history:        history,
		log:            logger.With("component", "alerts"),
		now:            time.Now,
		lastAlertTimes: make(map[alertKey]time.Time),
		failCounters:   make(map[alertKey]int),
		lastSpeed:      make(map[string]string),
	}
}

// EvaluatePing implements sensors.AlertEvaluator for ping sensors.
func (e *Engine) EvaluatePing(ctx context.Context, s sensors.Sensor, result sensors.PingResult, resolvedKind sensors.Kind) {
	cfg, err := sensors.DecodePingConfig(s.Config)
	if err != nil {
		e.log.Warn("cannot decode ping config for alert evaluation", "sensor_id", s.ID, "error", err)
		return
	}
	for _, alert := range cfg.Alerts {
		e.evaluate(ctx, s, alert, resolvedKind, func() (bool, string) {
			return evaluatePingFailure(alert, result)
		})
	}
}

// EvaluateEthernet implements sensors.AlertEvaluator for ethernet sensors.
func (e *Engine) EvaluateEthernet(ctx context.Context, s sensors.Sensor, result sensors.EthernetResult, resolvedKind sensors.Kind) {
	cfg, err := sensors.DecodeEthernetConfig(s.Config)
	if err != nil {
		e.log.Warn("cannot decode ethernet config for alert evaluation", "sensor_id", s.ID, "error", err)
		return
	}

	e.mu.Lock()
	prevSpeed, hadPrev := e.lastSpeed[s.ID]
	e.mu.Unlock()

	for _, alert := range cfg.Alerts {
		e.evaluate(ctx, s, alert, resolvedKind, func() (bool, string) {
			return evaluateEthernetFailure(alert, result, prevSpeed, hadPrev)
		})
	}

	e.mu.Lock()
	e.lastSpeed[s.ID] = result.Speed
	e.mu.Unlock()
}

// evaluatePingFailure determines failure for the two ping-eligible alert
// types, per spec.md §4.F step 3.
func evaluatePingFailure(alert sensors.AlertConfig, result sensors.PingResult) (bool, string) {
	switch alert.Type {
	case sensors.AlertTimeout:
		if result.Status == "timeout" {
			return true, "ping timed out"
		}
		return false, ""
	case sensors.AlertHighLatency:
		if result.LatencyMs == nil {
			return false, ""
		}
		threshold := 0
		if alert.ThresholdMs != nil {
			threshold = *alert.ThresholdMs
		}
		if *result.LatencyMs > threshold {
			return true, fmt.Sprintf("latency %dms exceeds threshold %dms", *result.LatencyMs, threshold)
		}
		return false, ""
	default:
		return false, ""
	}
}

// evaluateEthernetFailure determines failure for the three
// ethernet-eligible alert types, per spec.md §4.F step 3.
func evaluateEthernetFailure(alert sensors.AlertConfig, result sensors.EthernetResult, prevSpeed string, hadPrev bool) (bool, string) {
	switch alert.Type {
	case sensors.AlertLinkDown:
		if result.Status == "link_down" {
			return true, "link down"
		}
		return false, ""
	case sensors.AlertSpeedChange:
		if !hadPrev || prevSpeed == "" || prevSpeed == result.Speed {
			return false, ""
		}
		return true, fmt.Sprintf("speed changed from %s to %s", prevSpeed, result.Speed)
	case sensors.AlertTrafficThreshold:
		if alert.ThresholdMbps == nil {
			return false, ""
		}
		thresholdBps := int64(*alert.ThresholdMbps * 1e6)
		dir := alert.Direction
		if dir == "" {
			dir = "any"
		}
		rxFail := (dir == "rx" || dir == "any") && result.RxBPS > thresholdBps
		txFail := (dir == "tx" || dir == "any") && result.TxBPS > thresholdBps
		if rxFail || txFail {
			return true, fmt.Sprintf("traffic rx=%d tx=%d bps exceeds threshold %.2f Mbps", result.RxBPS, result.TxBPS, *alert.ThresholdMbps)
		}
		return false, ""
	default:
		return false, ""
	}
}

// evaluate implements spec.md §4.F's per-alert-entry algorithm: VLAN
// gating, cooldown, tolerance counting, and dispatch on the N-th
// consecutive failure.
func (e *Engine) evaluate(ctx context.Context, s sensors.Sensor, alert sensors.AlertConfig, resolvedKind sensors.Kind, check func() (bool, string)) {
	if (alert.Type == sensors.AlertLinkDown || alert.Type == sensors.AlertSpeedChange) && resolvedKind == sensors.KindResolvedVLAN {
		return
	}

	key := alertKey{sensorID: s.ID, alert: alert.Type}
	cooldown := time.Duration(alert.CooldownMinutes) * time.Minute

	e.mu.Lock()
	if last, ok := e.lastAlertTimes[key]; ok && e.now().Sub(last) < cooldown {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	failed, details := check()
	if !failed {
		e.mu.Lock()
		e.failCounters[key] = 0
		e.mu.Unlock()
		return
	}

	tolerance := alert.ToleranceCount
	if tolerance <= 0 {
		tolerance = 1
	}

	e.mu.Lock()
	e.failCounters[key]++
	count := e.failCounters[key]
	e.mu.Unlock()

	if count < tolerance {
		e.log.Info("alert failure below tolerance", "sensor_id", s.ID, "alert_type", alert.Type, "count", count, "tolerance", tolerance)
		return
	}

	e.mu.Lock()
	e.failCounters[key] = 0
	e.lastAlertTimes[key] = e.now()
	e.mu.Unlock()

	e.fire(ctx, s, alert, details)
}

// fire dispatches the notification and the durable history append,
// logging but not failing the evaluation on either error — an alert
// engine must never kill the worker that called it.
func (e *Engine) fire(ctx context.Context, s sensors.Sensor, alert sensors.AlertConfig, details string) {
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, alert.ChannelID, s, alert.Type, details); err != nil {
			e.log.Warn("alert notify failed", "sensor_id", s.ID, "alert_type", alert.Type, "error", err)
		}
	}
	if e.history != nil {
		if err := e.history.AppendAlertHistory(ctx, s.ID, alert.ChannelID, details); err != nil {
			e.log.Warn("appending alert history failed", "sensor_id", s.ID, "alert_type", alert.Type, "error", err)
		}
	}
}

// LoggingNotifier is a Notifier stub for environments with no configured
// channel backend; it only logs the would-be dispatch.
type LoggingNotifier struct {
	Log *slog.Logger
}

func (n LoggingNotifier) Notify(_ context.Context, channelID string, s sensors.Sensor, alertType sensors.AlertType, details string) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("alert fired", "sensor_id", s.ID, "channel_id", channelID, "alert_type", alertType, "details", details)
	return nil
}
