package routeros

import (
	"context"
	"errors"
	"testing"

	"github.com/go-routeros/routeros/v3"
)

type fakeClient struct {
	runs   [][]string
	closed bool
	fail   error
}

func (f *fakeClient) Run(sentence ...string) (*routeros.Reply, error) {
	f.runs = append(f.runs, sentence)
	if f.fail != nil {
		return nil, f.fail
	}
	return &routeros.Reply{}, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func fakeDialer(clients map[string]*fakeClient, dialCount map[string]int) Dialer {
	return func(_ context.Context, deviceIP string, _ int, _ Credential) (Client, error) {
		dialCount[deviceIP]++
		c, ok := clients[deviceIP]
		if !ok {
			return nil, errors.New("no fake client configured for " + deviceIP)
		}
		return c, nil
	}
}

func TestPool_GetDialsOnceAndReuses(t *testing.T) {
	clients := map[string]*fakeClient{"10.0.0.1": {}}
	dials := map[string]int{}
	p := NewPool(fakeDialer(clients, dials), 0)

	c1, err := p.Get(context.Background(), "10.0.0.1", Credential{Username: "admin"})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	c2, err := p.Get(context.Background(), "10.0.0.1", Credential{Username: "admin"})
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if c1 != c2 {
		t.Error("Get() returned different clients for the same device IP")
	}
	if dials["10.0.0.1"] != 1 {
		t.Errorf("dial count = %d, want 1", dials["10.0.0.1"])
	}
}

func TestPool_HealthyDropsSessionOnFailure(t *testing.T) {
	fc := &fakeClient{fail: errors.New("connection reset")}
	clients := map[string]*fakeClient{"10.0.0.2": fc}
	dials := map[string]int{}
	p := NewPool(fakeDialer(clients, dials), 0)

	if _, err := p.Get(context.Background(), "10.0.0.2", Credential{}); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	if p.Healthy(context.Background(), "10.0.0.2") {
		t.Error("Healthy() = true, want false for a failing /system/identity probe")
	}
	if !fc.closed {
		t.Error("broken session was not closed")
	}

	// Next Get() should dial again since the broken session was dropped.
	clients["10.0.0.2"] = &fakeClient{}
	if _, err := p.Get(context.Background(), "10.0.0.2", Credential{}); err != nil {
		t.Fatalf("Get() after drop error: %v", err)
	}
	if dials["10.0.0.2"] != 2 {
		t.Errorf("dial count after drop = %d, want 2", dials["10.0.0.2"])
	}
}

func TestPool_Invalidate(t *testing.T) {
	fc := &fakeClient{}
	clients := map[string]*fakeClient{"10.0.0.3": fc}
	dials := map[string]int{}
	p := NewPool(fakeDialer(clients, dials), 0)

	if _, err := p.Get(context.Background(), "10.0.0.3", Credential{}); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	p.Invalidate("10.0.0.3")
	if !fc.closed {
		t.Error("Invalidate() did not close the session's client")
	}

	clients["10.0.0.3"] = &fakeClient{}
	if _, err := p.Get(context.Background(), "10.0.0.3", Credential{}); err != nil {
		t.Fatalf("Get() after invalidate error: %v", err)
	}
	if dials["10.0.0.3"] != 2 {
		t.Errorf("dial count after invalidate = %d, want 2", dials["10.0.0.3"])
	}
}

func TestIsAuthLike(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("authentication failed"), true},
		{errors.New("invalid user name"), true},
		{errors.New("wrong password"), true},
		{errors.New("LOGIN FAILED"), true},
		{errors.New("logon failure: unknown user name or bad password"), true},
		{errors.New("connection reset by peer"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsAuthLike(tt.err); got != tt.want {
			t.Errorf("IsAuthLike(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestPool_DeviceIPsTracksDialedDevices(t *testing.T) {
	clients := map[string]*fakeClient{"10.0.0.4": {}, "10.0.0.5": {}}
	dials := map[string]int{}
	p := NewPool(fakeDialer(clients, dials), 0)

	if _, err := p.Get(context.Background(), "10.0.0.4", Credential{}); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if _, err := p.Get(context.Background(), "10.0.0.5", Credential{}); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	ips := p.DeviceIPs()
	if len(ips) != 2 {
		t.Fatalf("DeviceIPs() = %v, want 2 entries", ips)
	}
}
