package wgpeer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kuuji/monitor360/internal/netadmin"
)

// handshakeTimeout is the threshold past which a peer with no recent
// handshake is considered disconnected, per spec.md §4.J peer_status.
const handshakeTimeout = 180 * time.Second

// PeerStatus is one peer's row from `wg show <iface> dump`.
type PeerStatus struct {
	PublicKey       string
	Endpoint        string
	AllowedIPs      string
	LatestHandshake time.Time // zero if the peer has never completed a handshake
	RxBytes         int64
	TxBytes         int64
	Connected       bool
}

// ParsePeerStatus scans dump (the output of `wg show <iface> dump`) for the
// peer whose public key is pub. It tolerates both the no-iface-prefix line
// format (`wg show <iface> dump`, 8 tab-separated fields per peer) and the
// iface-prefixed format (`wg show all dump`, 9 fields), since both appear
// in the wild depending on how an operator reruns the command by hand.
func ParsePeerStatus(dump, pub string, now time.Time) (*PeerStatus, bool) {
	for _, line := range strings.Split(strings.TrimRight(dump, "\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")

		var f []string
		switch len(fields) {
		case 8:
			f = fields
		case 9:
			f = fields[1:]
		default:
			continue // interface header line, or a line we don't understand
		}

		if f[0] != pub {
			continue
		}

		status := &PeerStatus{
			PublicKey:  f[0],
			Endpoint:   f[2],
			AllowedIPs: f[3],
		}
		if handshakeUnix, err := strconv.ParseInt(f[4], 10, 64); err == nil && handshakeUnix > 0 {
			status.LatestHandshake = time.Unix(handshakeUnix, 0)
			status.Connected = now.Sub(status.LatestHandshake) < handshakeTimeout
		}
		status.RxBytes, _ = strconv.ParseInt(f[5], 10, 64)
		status.TxBytes, _ = strconv.ParseInt(f[6], 10, 64)
		return status, true
	}
	return nil, false
}

// PeerStatusFor shells out to `wg show <iface> dump` and parses the row for
// pub. now is injected by the caller so classification is testable without
// a wall-clock dependency inside this package.
func PeerStatusFor(ctx context.Context, runner netadmin.Runner, iface, pub string, now time.Time) (*PeerStatus, bool, error) {
	out, err := runner.Run(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, false, fmt.Errorf("wg show %s dump: %w", iface, err)
	}
	status, ok := ParsePeerStatus(out, pub, now)
	return status, ok, nil
}
