package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAlertHistory implements alerts.HistoryRecorder, persisting one
// fired-alert row for the history feed.
func (p *Pool) AppendAlertHistory(ctx context.Context, sensorID, channelID, details string) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO alert_history (id, sensor_id, channel_id, details, fired_at)
		VALUES ($1, $2, $3, $4, now())`,
		uuid.NewString(), sensorID, channelID, details)
	if err != nil {
		return fmt.Errorf("appending alert history: %w", err)
	}
	return nil
}

// AlertHistoryEntry is one row of GET /api/alerts/history.
type AlertHistoryEntry struct {
	ID        string
	SensorID  string
	ChannelID string
	Details   string
	FiredAt   time.Time
}

// ListAlertHistory backs GET /api/alerts/history, scoped to the tenant via
// sensors.owner_id.
func (p *Pool) ListAlertHistory(ctx context.Context, ownerID string) ([]AlertHistoryEntry, error) {
	rows, err := p.DB.Query(ctx, `
		SELECT h.id, h.sensor_id, h.channel_id, h.details, h.fired_at
		FROM alert_history h
		JOIN sensors s ON s.id = h.sensor_id
		WHERE s.owner_id = $1
		ORDER BY h.fired_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing alert history: %w", err)
	}
	defer rows.Close()

	var out []AlertHistoryEntry
	for rows.Next() {
		var e AlertHistoryEntry
		if err := rows.Scan(&e.ID, &e.SensorID, &e.ChannelID, &e.Details, &e.FiredAt); err != nil {
			return nil, fmt.Errorf("scanning alert history entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
