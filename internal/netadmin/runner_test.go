package netadmin

import (
	"context"
	"errors"
	"testing"
)

func TestFakeRunner_RecordsCalls(t *testing.T) {
	f := NewFakeRunner()
	ctx := context.Background()

	if _, err := f.Run(ctx, "ip", "link", "set", "m360-p3", "up"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(f.Calls) != 1 {
		t.Fatalf("len(Calls) = %d, want 1", len(f.Calls))
	}
	if f.Calls[0].Name != "ip" {
		t.Errorf("Calls[0].Name = %q, want ip", f.Calls[0].Name)
	}
}

func TestFakeRunner_SetResponse(t *testing.T) {
	f := NewFakeRunner()
	ctx := context.Background()
	wantErr := errors.New("boom")

	f.SetResponse("wg-quick", []string{"up", "/tmp/x.conf"}, Response{Output: "failure output", Err: wantErr})

	_, err := f.Run(ctx, "wg-quick", "up", "/tmp/x.conf")
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestRunQuiet_IdempotentFailureIsSuccess(t *testing.T) {
	f := NewFakeRunner()
	ctx := context.Background()

	f.SetResponse("ip", []string{"rule", "del", "to", "10.0.0.5", "lookup", "10003"},
		Response{Output: "RTNETLINK answers: File exists", Err: errors.New("exit status 2")})

	ok, _ := f.RunQuiet(ctx, "ip", "rule", "del", "to", "10.0.0.5", "lookup", "10003")
	if !ok {
		t.Error("RunQuiet() ok = false, want true for idempotent failure")
	}
}

func TestRunQuiet_GenuineFailureIsFailure(t *testing.T) {
	f := NewFakeRunner()
	ctx := context.Background()

	f.SetResponse("wg-quick", []string{"up", "/tmp/bad.conf"},
		Response{Output: "some unrelated fatal error", Err: errors.New("exit status 1")})

	ok, _ := f.RunQuiet(ctx, "wg-quick", "up", "/tmp/bad.conf")
	if ok {
		t.Error("RunQuiet() ok = true, want false for non-idempotent failure")
	}
}

func TestIsIdempotentFailure(t *testing.T) {
	tests := []struct {
		output string
		want   bool
	}{
		{"ip: Cannot find device \"m360-p3\"", true},
		{"RTNETLINK answers: File exists", true},
		{"unrelated fatal error", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isIdempotentFailure(tt.output); got != tt.want {
			t.Errorf("isIdempotentFailure(%q) = %v, want %v", tt.output, got, tt.want)
		}
	}
}
