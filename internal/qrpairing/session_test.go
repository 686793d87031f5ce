package qrpairing

import (
	"testing"
	"time"
)

func TestStore_StartThenScanCompletesSession(t *testing.T) {
	store := NewStore("https://monitor.example.com", time.Minute)
	defer store.Close()

	sessionID, png, err := store.Start("owner-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("Start() returned an empty session id")
	}
	if len(png) == 0 {
		t.Fatal("Start() returned an empty QR PNG")
	}

	session, ok := store.Status(sessionID)
	if !ok {
		t.Fatal("Status() did not find the session right after Start()")
	}
	if session.Status != StatusPending {
		t.Errorf("Status = %q, want %q", session.Status, StatusPending)
	}

	if ok := store.Scan(sessionID, "device-42"); !ok {
		t.Fatal("Scan() returned false for a live session")
	}

	session, ok = store.Status(sessionID)
	if !ok {
		t.Fatal("Status() did not find the session after Scan()")
	}
	if session.Status != StatusComplete {
		t.Errorf("Status = %q, want %q", session.Status, StatusComplete)
	}
	if session.DeviceID != "device-42" {
		t.Errorf("DeviceID = %q, want device-42", session.DeviceID)
	}
}

func TestStore_ScanUnknownSessionReturnsFalse(t *testing.T) {
	store := NewStore("https://monitor.example.com", time.Minute)
	defer store.Close()

	if ok := store.Scan("does-not-exist", "device-1"); ok {
		t.Error("Scan() should return false for an unknown session id")
	}
}

func TestStore_StatusUnknownSessionReturnsFalse(t *testing.T) {
	store := NewStore("https://monitor.example.com", time.Minute)
	defer store.Close()

	if _, ok := store.Status("does-not-exist"); ok {
		t.Error("Status() should return false for an unknown session id")
	}
}

func TestStore_SessionExpiresAfterTTL(t *testing.T) {
	store := NewStore("https://monitor.example.com", 50*time.Millisecond)
	defer store.Close()

	sessionID, _, err := store.Start("owner-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if _, ok := store.Status(sessionID); ok {
		t.Error("Status() should return false once the session's TTL has elapsed")
	}
}

func TestStore_EachSessionGetsAUniqueID(t *testing.T) {
	store := NewStore("https://monitor.example.com", time.Minute)
	defer store.Close()

	first, _, err := store.Start("owner-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	second, _, err := store.Start("owner-1")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if first == second {
		t.Error("two Start() calls produced the same session id")
	}
}
