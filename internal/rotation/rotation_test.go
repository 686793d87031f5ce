package rotation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kuuji/monitor360/internal/routeros"
)

type fakeStore struct {
	mu          sync.Mutex
	creds       map[string][]Credential
	currentID   map[string]string
	rotations   int
	authFails   int
	authOKs     int
	lastRotated struct{ deviceIP, newID string }
}

func newFakeStore() *fakeStore {
	return &fakeStore{creds: map[string][]Credential{}, currentID: map[string]string{}}
}

func (f *fakeStore) CredentialsForDevice(_ context.Context, deviceIP string) ([]Credential, error) {
	return f.creds[deviceIP], nil
}

func (f *fakeStore) CurrentCredentialID(_ context.Context, deviceIP string) (string, error) {
	return f.currentID[deviceIP], nil
}

func (f *fakeStore) RecordAuthFailure(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFails++
	return nil
}

func (f *fakeStore) RecordAuthOK(_ context.Context, _ string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authOKs++
	return nil
}

func (f *fakeStore) RecordRotation(_ context.Context, deviceIP, newCredentialID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
	f.currentID[deviceIP] = newCredentialID
	f.lastRotated.deviceIP, f.lastRotated.newID = deviceIP, newCredentialID
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) CredentialRotated(deviceIP string, ok bool, oldID, newID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := "ok"
	if !ok {
		status = "fail:" + reason
	}
	f.events = append(f.events, deviceIP+":"+status+":"+oldID+"->"+newID)
}

// fakeLoginThatAccepts returns a LoginProbe that succeeds only for the
// given credential username.
func fakeLoginThatAccepts(goodUsername string) LoginProbe {
	return func(_ context.Context, _ string, cred routeros.Credential) error {
		if cred.Username == goodUsername {
			return nil
		}
		return errors.New("authentication failed")
	}
}

func alwaysReachable(context.Context, string) bool { return true }

func TestRotate_FindsWorkingCredentialAndRotates(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	deviceIP := "10.10.0.1"
	store.creds[deviceIP] = []Credential{
		{ID: "cred-old", Username: "stale"},
		{ID: "cred-new", Username: "admin2"},
	}
	store.currentID[deviceIP] = "cred-old"

	invalidated := int32(0)
	r := NewRotator(store, events, fakeLoginThatAccepts("admin2"), func(string) {
		atomic.AddInt32(&invalidated, 1)
	}, nil)
	r.tcpProbe = alwaysReachable

	id, rotated, err := r.Rotate(context.Background(), deviceIP)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if !rotated {
		t.Fatal("Rotate() rotated = false, want true")
	}
	if id != "cred-new" {
		t.Errorf("Rotate() id = %q, want cred-new", id)
	}
	if store.rotations != 1 {
		t.Errorf("rotations recorded = %d, want 1", store.rotations)
	}
	if atomic.LoadInt32(&invalidated) != 1 {
		t.Error("pool invalidation hook was not called")
	}
	if len(events.events) != 1 || events.events[0] != deviceIP+":ok:cred-old->cred-new" {
		t.Errorf("events = %v", events.events)
	}
}

func TestRotate_NoCandidateSucceedsEmitsFailureEvent(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	deviceIP := "10.10.0.2"
	store.creds[deviceIP] = []Credential{{ID: "cred-a", Username: "a"}}
	store.currentID[deviceIP] = "cred-a"

	r := NewRotator(store, events, fakeLoginThatAccepts("never-matches"), nil, nil)
	r.tcpProbe = alwaysReachable

	id, rotated, err := r.Rotate(context.Background(), deviceIP)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if rotated || id != "" {
		t.Errorf("Rotate() = (%q, %v), want (\"\", false)", id, rotated)
	}
	if store.authFails != 1 {
		t.Errorf("authFails = %d, want 1", store.authFails)
	}
	if len(events.events) != 1 || events.events[0] != deviceIP+":fail:no_valid_credentials:->" {
		t.Errorf("events = %v", events.events)
	}
}

func TestRotate_SameWinningCredentialRecordsAuthOKNotRotation(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	deviceIP := "10.10.0.3"
	store.creds[deviceIP] = []Credential{{ID: "cred-a", Username: "a"}}
	store.currentID[deviceIP] = "cred-a"

	r := NewRotator(store, events, fakeLoginThatAccepts("a"), nil, nil)
	r.tcpProbe = alwaysReachable

	id, rotated, err := r.Rotate(context.Background(), deviceIP)
	if err != nil {
		t.Fatalf("Rotate() error: %v", err)
	}
	if rotated {
		t.Error("Rotate() rotated = true, want false (winner equals current credential)")
	}
	if id != "cred-a" {
		t.Errorf("Rotate() id = %q, want cred-a", id)
	}
	if store.authOKs != 1 {
		t.Errorf("authOKs = %d, want 1", store.authOKs)
	}
	if store.rotations != 0 {
		t.Errorf("rotations = %d, want 0", store.rotations)
	}
}

func TestRotate_CooldownSkipsSecondCall(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	deviceIP := "10.10.0.4"
	store.creds[deviceIP] = []Credential{{ID: "cred-a", Username: "a"}}
	store.currentID[deviceIP] = "cred-a"

	calls := int32(0)
	login := func(_ context.Context, _ string, _ routeros.Credential) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	r := NewRotator(store, events, login, nil, nil)
	r.tcpProbe = alwaysReachable

	if _, _, err := r.Rotate(context.Background(), deviceIP); err != nil {
		t.Fatalf("first Rotate() error: %v", err)
	}
	if _, _, err := r.Rotate(context.Background(), deviceIP); err != nil {
		t.Fatalf("second Rotate() error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("login attempted %d times, want 1 (second call should be cooldown-skipped)", calls)
	}
}

func TestRotate_UnreachableDeviceNeverAttemptsLogin(t *testing.T) {
	store := newFakeStore()
	events := &fakeEvents{}
	deviceIP := "10.10.0.5"
	store.creds[deviceIP] = []Credential{{ID: "cred-a", Username: "a"}}
	store.currentID[deviceIP] = "cred-a"

	calls := int32(0)
	login := func(_ context.Context, _ string, _ routeros.Credential) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	r := NewRotator(store, events, login, nil, nil)
	r.tcpProbe = func(context.Context, string) bool { return false }

	if _, rotated, err := r.Rotate(context.Background(), deviceIP); err != nil || rotated {
		t.Fatalf("Rotate() = (rotated=%v, err=%v), want (false, nil)", rotated, err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("login attempted %d times, want 0 (device never reachable)", calls)
	}
}
