package sensors

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-routeros/routeros/v3"
)

// parseAvgRTT parses RouterOS's "avg-rtt" field, formatted like "1s230ms"
// or "0s45ms", into whole milliseconds, per spec.md §4.E's ping worker.
func parseAvgRTT(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty avg-rtt")
	}

	secIdx := strings.Index(raw, "s")
	if secIdx < 0 {
		return 0, fmt.Errorf("avg-rtt %q missing seconds marker", raw)
	}
	msIdx := strings.Index(raw, "ms")
	if msIdx < 0 || msIdx < secIdx {
		return 0, fmt.Errorf("avg-rtt %q missing milliseconds marker", raw)
	}

	secPart := raw[:secIdx]
	msPart := raw[secIdx+1 : msIdx]

	secs, err := strconv.Atoi(secPart)
	if err != nil {
		return 0, fmt.Errorf("avg-rtt %q: bad seconds component: %w", raw, err)
	}
	ms, err := strconv.Atoi(msPart)
	if err != nil {
		return 0, fmt.Errorf("avg-rtt %q: bad milliseconds component: %w", raw, err)
	}

	return secs*1000 + ms, nil
}

// classifyPingReply reads the terminal row of a `/ping count=1` reply and
// classifies it per spec.md §4.E: a "received" count of 1 with an
// avg-rtt is ok/high_latency, anything else is a timeout.
func classifyPingReply(sensorID string, reply *routeros.Reply, thresholdMs int) PingResult {
	if reply == nil || len(reply.Re) == 0 {
		return PingResult{SensorID: sensorID, Status: "timeout"}
	}
	row := reply.Re[len(reply.Re)-1].Map

	received, _ := strconv.Atoi(row["received"])
	if received < 1 {
		return PingResult{SensorID: sensorID, Status: "timeout"}
	}

	latencyMs, err := parseAvgRTT(row["avg-rtt"])
	if err != nil {
		return PingResult{SensorID: sensorID, Status: "timeout"}
	}

	status, lat := classifyPing(true, latencyMs, thresholdMs)
	return PingResult{SensorID: sensorID, Status: status, LatencyMs: lat}
}

// classifyPing implements spec.md §4.E's ping worker classification:
// received=1 and latency over threshold is high_latency; received=1 is
// ok; anything else is timeout.
func classifyPing(received bool, latencyMs int, thresholdMs int) (status string, reportedLatency *int) {
	if !received {
		return "timeout", nil
	}
	l := latencyMs
	if l > thresholdMs {
		return "high_latency", &l
	}
	return "ok", &l
}
