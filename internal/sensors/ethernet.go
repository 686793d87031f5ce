package sensors

import (
	"strconv"
	"strings"

	"github.com/go-routeros/routeros/v3"
)

// trafficCounters is the rx/tx bits-per-second pair read from
// /interface/monitor-traffic, per spec.md §4.E.
type trafficCounters struct {
	RxBPS int64
	TxBPS int64
}

func parseTrafficCounters(reply *routeros.Reply) trafficCounters {
	var tc trafficCounters
	if reply == nil || len(reply.Re) == 0 {
		return tc
	}
	row := reply.Re[0].Map
	tc.RxBPS, _ = strconv.ParseInt(row["rx-bits-per-second"], 10, 64)
	tc.TxBPS, _ = strconv.ParseInt(row["tx-bits-per-second"], 10, 64)
	return tc
}

// ethernetSpeed reads the speed (or rate, on older firmware) field from an
// /interface/ethernet print row, per spec.md §4.E.
func ethernetSpeed(reply *routeros.Reply) string {
	if reply == nil || len(reply.Re) == 0 {
		return "N/A"
	}
	row := reply.Re[0].Map
	if s, ok := row["speed"]; ok && s != "" {
		return s
	}
	if s, ok := row["rate"]; ok && s != "" {
		return s
	}
	return "N/A"
}

// linkRunning reads the running flag from an /interface print row.
func linkRunning(reply *routeros.Reply) bool {
	if reply == nil || len(reply.Re) == 0 {
		return false
	}
	running := strings.ToLower(reply.Re[0].Map["running"])
	return running == "true" || running == "yes"
}
