package store

import (
	"context"
	"fmt"

	"github.com/kuuji/monitor360/internal/wsfanout"
)

// pingSnapshotData is the sensor_batch payload shape for a ping sensor's
// most recent result.
type pingSnapshotData struct {
	LatencyMs *int `json:"latency_ms,omitempty"`
}

// ethernetSnapshotData is the sensor_batch payload shape for an ethernet
// sensor's most recent result.
type ethernetSnapshotData struct {
	Speed string `json:"speed,omitempty"`
	RxBPS int64  `json:"rx_bps"`
	TxBPS int64  `json:"tx_bps"`
}

// LatestSensorSnapshots implements wsfanout.SnapshotStore: the newest
// known row per sensor (via a LATERAL join so each sensor contributes at
// most one ping or ethernet result), restricted to sensorIDs when
// non-empty, with sensors that have never produced a result reported as
// "pending".
func (p *Pool) LatestSensorSnapshots(ctx context.Context, ownerID string, sensorIDs []string) ([]wsfanout.SensorSnapshot, error) {
	var filter []string
	if len(sensorIDs) > 0 {
		filter = sensorIDs
	}

	rows, err := p.DB.Query(ctx, `
		SELECT s.id, s.sensor_type,
		       pr.status, pr.latency_ms,
		       er.status, er.speed, er.rx_bitrate, er.tx_bitrate
		FROM sensors s
		LEFT JOIN LATERAL (
			SELECT status, latency_ms FROM ping_results
			WHERE sensor_id = s.id ORDER BY timestamp DESC LIMIT 1
		) pr ON s.sensor_type = 'ping'
		LEFT JOIN LATERAL (
			SELECT status, speed, rx_bitrate, tx_bitrate FROM ethernet_results
			WHERE sensor_id = s.id ORDER BY timestamp DESC LIMIT 1
		) er ON s.sensor_type = 'ethernet'
		WHERE s.owner_id = $1 AND ($2::text[] IS NULL OR s.id = ANY($2))
		ORDER BY s.id`,
		ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("loading sensor snapshots: %w", err)
	}
	defer rows.Close()

	var out []wsfanout.SensorSnapshot
	for rows.Next() {
		var (
			sensorID, sensorType  string
			pingStatus, ethStatus *string
			latencyMs             *int
			ethSpeed              *string
			rxBPS, txBPS          *int64
		)
		if err := rows.Scan(&sensorID, &sensorType, &pingStatus, &latencyMs, &ethStatus, &ethSpeed, &rxBPS, &txBPS); err != nil {
			return nil, fmt.Errorf("scanning sensor snapshot: %w", err)
		}

		snap := wsfanout.SensorSnapshot{SensorID: sensorID, Status: "pending"}
		switch sensorType {
		case "ping":
			if pingStatus != nil {
				snap.Status = *pingStatus
				snap.Data = pingSnapshotData{LatencyMs: latencyMs}
			}
		case "ethernet":
			if ethStatus != nil {
				snap.Status = *ethStatus
				data := ethernetSnapshotData{RxBPS: 0, TxBPS: 0}
				if ethSpeed != nil {
					data.Speed = *ethSpeed
				}
				if rxBPS != nil {
					data.RxBPS = *rxBPS
				}
				if txBPS != nil {
					data.TxBPS = *txBPS
				}
				snap.Data = data
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
