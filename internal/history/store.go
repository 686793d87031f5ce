package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of *pgxpool.Pool (also satisfied by *pgx.Conn and
// pgx.Tx) PGStore needs, so tests and callers never depend on the pool
// concrete type directly.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGStore implements Store against Postgres, using date_bin for bucketed
// queries so the aggregation happens in one round trip rather than in Go.
type PGStore struct {
	db Querier
}

// NewPGStore creates a PGStore over db.
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) PingHistory(ctx context.Context, sensorID string, start, end time.Time, bucketSeconds int) ([]PingPoint, error) {
	if bucketSeconds <= 0 {
		rows, err := s.db.Query(ctx, `
			SELECT timestamp, latency_ms, status
			FROM ping_results
			WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3
			ORDER BY timestamp`,
			sensorID, start, end)
		if err != nil {
			return nil, fmt.Errorf("querying raw ping history: %w", err)
		}
		defer rows.Close()

		var out []PingPoint
		for rows.Next() {
			var p PingPoint
			var latencyMs *int
			if err := rows.Scan(&p.Timestamp, &latencyMs, &p.Status); err != nil {
				return nil, fmt.Errorf("scanning ping row: %w", err)
			}
			if latencyMs != nil {
				f := float64(*latencyMs)
				p.LatencyMs = &f
			}
			out = append(out, p)
		}
		return out, rows.Err()
	}

	rows, err := s.db.Query(ctx, `
		SELECT date_bin(make_interval(secs => $1), timestamp, $2) AS bucket,
		       avg(latency_ms) AS avg_latency_ms,
		       (array_agg(status ORDER BY timestamp DESC))[1] AS status
		FROM ping_results
		WHERE sensor_id = $3 AND timestamp BETWEEN $2 AND $4
		GROUP BY bucket
		ORDER BY bucket`,
		bucketSeconds, start, sensorID, end)
	if err != nil {
		return nil, fmt.Errorf("querying bucketed ping history: %w", err)
	}
	defer rows.Close()

	var out []PingPoint
	for rows.Next() {
		var p PingPoint
		if err := rows.Scan(&p.Timestamp, &p.LatencyMs, &p.Status); err != nil {
			return nil, fmt.Errorf("scanning ping bucket: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) EthernetHistory(ctx context.Context, sensorID string, start, end time.Time, bucketSeconds int) ([]EthernetPoint, error) {
	if bucketSeconds <= 0 {
		rows, err := s.db.Query(ctx, `
			SELECT timestamp, status, speed, rx_bitrate, tx_bitrate
			FROM ethernet_results
			WHERE sensor_id = $1 AND timestamp BETWEEN $2 AND $3
			ORDER BY timestamp`,
			sensorID, start, end)
		if err != nil {
			return nil, fmt.Errorf("querying raw ethernet history: %w", err)
		}
		defer rows.Close()

		var out []EthernetPoint
		for rows.Next() {
			var p EthernetPoint
			var rxBPS, txBPS int64
			if err := rows.Scan(&p.Timestamp, &p.Status, &p.Speed, &rxBPS, &txBPS); err != nil {
				return nil, fmt.Errorf("scanning ethernet row: %w", err)
			}
			p.RxBPS, p.TxBPS = float64(rxBPS), float64(txBPS)
			out = append(out, p)
		}
		return out, rows.Err()
	}

	rows, err := s.db.Query(ctx, `
		SELECT date_bin(make_interval(secs => $1), timestamp, $2) AS bucket,
		       (array_agg(status ORDER BY timestamp DESC))[1] AS status,
		       (array_agg(speed ORDER BY timestamp DESC))[1] AS speed,
		       avg(rx_bitrate) AS avg_rx_bitrate,
		       avg(tx_bitrate) AS avg_tx_bitrate
		FROM ethernet_results
		WHERE sensor_id = $3 AND timestamp BETWEEN $2 AND $4
		GROUP BY bucket
		ORDER BY bucket`,
		bucketSeconds, start, sensorID, end)
	if err != nil {
		return nil, fmt.Errorf("querying bucketed ethernet history: %w", err)
	}
	defer rows.Close()

	var out []EthernetPoint
	for rows.Next() {
		var p EthernetPoint
		if err := rows.Scan(&p.Timestamp, &p.Status, &p.Speed, &p.RxBPS, &p.TxBPS); err != nil {
			return nil, fmt.Errorf("scanning ethernet bucket: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
