// Package routeros pools RouterOS API sessions per device IP, the way
// bamgate's internal/agent.Deps holds one long-lived dependency per
// external resource: a device gets one session, reused across sensor
// workers, and replaced transparently when it goes bad.
package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
)

// errNoSession means the health probe had nothing to probe: the pool never
// dialed this device (or it was already invalidated). Never auth-like.
var errNoSession = errors.New("no session for device")

// DefaultPort is the RouterOS API port used when dialing in plaintext mode,
// per spec.md §4.C.
const DefaultPort = 8728

// Credential is the subset of a device's credential row needed to open a
// session.
type Credential struct {
	Username string
	Password string
}

// Client abstracts a single RouterOS API connection so tests can inject a
// fake instead of dialing a real router, mirroring the Deps interface
// pattern in bamgate's internal/agent/deps.go.
type Client interface {
	// Run executes a RouterOS API sentence (e.g. "/ping", "=address=1.2.3.4",
	// "=count=1") and returns the parsed reply.
	Run(sentence ...string) (*routeros.Reply, error)
	Close() error
}

// Dialer opens a new Client for a device. Production code dials the real
// RouterOS API; tests inject a fake.
type Dialer func(ctx context.Context, deviceIP string, port int, cred Credential) (Client, error)

// DefaultDialer dials a real RouterOS device over the plaintext API
// protocol, per spec.md §4.C ("plaintext_login=true").
func DefaultDialer(ctx context.Context, deviceIP string, port int, cred Credential) (Client, error) {
	addr := net.JoinHostPort(deviceIP, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	conn, err := routeros.DialContext(dialCtx, addr, cred.Username, cred.Password)
	if err != nil {
		return nil, fmt.Errorf("dialing routeros %s: %w", addr, err)
	}
	return &realClient{conn: conn}, nil
}

type realClient struct {
	conn *routeros.Client
}

func (c *realClient) Run(sentence ...string) (*routeros.Reply, error) {
	return c.conn.RunArgs(sentence)
}

func (c *realClient) Close() error {
	c.conn.Close()
	return nil
}

// authLikeSubstrings are the error fragments that mean "this session's
// credential is no longer valid", triggering rotation rather than a plain
// reconnect, per spec.md §4.D.
var authLikeSubstrings = []string{
	"authentication",
	"invalid user",
	"password",
	"login failed",
	"logon failure",
}

// IsAuthLike reports whether err's message matches one of the
// authentication-failure substrings spec.md §4.D lists, case-insensitively.
func IsAuthLike(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range authLikeSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// session is a single pooled entry.
type session struct {
	mu     sync.Mutex
	client Client
	port   int
	cred   Credential
}

// Pool manages one RouterOS session per device IP, per spec.md §4.C.
type Pool struct {
	dial Dialer
	port int

	mu       sync.Mutex
	sessions map[string]*session
}

// NewPool creates a Pool that dials with dial (pass DefaultDialer in
// production, a fake in tests) on the given plaintext API port.
func NewPool(dial Dialer, port int) *Pool {
	if port == 0 {
		port = DefaultPort
	}
	return &Pool{dial: dial, port: port, sessions: make(map[string]*session)}
}

// Get returns the session's client for deviceIP, dialing one with cred if
// none exists yet.
func (p *Pool) Get(ctx context.Context, deviceIP string, cred Credential) (Client, error) {
	s := p.sessionFor(deviceIP)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := p.dial(ctx, deviceIP, p.port, cred)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cred = cred
	return client, nil
}

// HealthCheck runs the cheap /system/identity probe spec.md §4.C names; on
// failure it drops and closes the broken session so the next Get() call
// recreates it, and returns the probe error so callers can tell an
// auth-like failure (via IsAuthLike) from a plain reconnect.
func (p *Pool) HealthCheck(ctx context.Context, deviceIP string) error {
	s := p.sessionFor(deviceIP)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return errNoSession
	}
	if _, err := s.client.Run("/system/identity/print"); err != nil {
		_ = s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// Healthy reports whether deviceIP's pooled session is alive. Equivalent to
// HealthCheck(ctx, deviceIP) == nil.
func (p *Pool) Healthy(ctx context.Context, deviceIP string) bool {
	return p.HealthCheck(ctx, deviceIP) == nil
}

// Invalidate drops deviceIP's session (if any) and closes its client,
// without dialing a replacement. Called after a failed call or a
// successful credential rotation, per spec.md §4.C/§4.D.
func (p *Pool) Invalidate(deviceIP string) {
	s := p.sessionFor(deviceIP)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

// DeviceIPs returns every device IP with a live or previously-dialed
// session, for the keepalive loop's iteration over connection_pools.
func (p *Pool) DeviceIPs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ips := make([]string, 0, len(p.sessions))
	for ip := range p.sessions {
		ips = append(ips, ip)
	}
	return ips
}

// CloseAll closes every pooled session's client, for process shutdown.
func (p *Pool) CloseAll() {
	for _, ip := range p.DeviceIPs() {
		p.Invalidate(ip)
	}
}

func (p *Pool) sessionFor(deviceIP string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[deviceIP]
	if !ok {
		s = &session{}
		p.sessions[deviceIP] = s
	}
	return s
}
