package wgpeer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kuuji/monitor360/internal/netadmin"
	"github.com/kuuji/monitor360/internal/wgkey"
)

// ValidatePublicKey confirms s is a well-formed base64 WireGuard key.
func ValidatePublicKey(s string) error {
	if _, err := wgkey.ParseKey(strings.TrimSpace(s)); err != nil {
		return fmt.Errorf("invalid wireguard public key: %w", err)
	}
	return nil
}

// generateClientKeypair implements spec.md §4.J step 2: `wg genkey` piped
// into `wg pubkey`, both shelled through Runner so the server never derives
// a WireGuard key by linking curve25519 math directly — the key is only
// ever something the wg binary itself produced.
func generateClientKeypair(ctx context.Context, runner netadmin.Runner) (privateKey, publicKey string, err error) {
	privOut, err := runner.Run(ctx, "wg", "genkey")
	if err != nil {
		return "", "", fmt.Errorf("wg genkey: %w", err)
	}
	priv := strings.TrimSpace(privOut)

	pubOut, err := runner.RunWithStdin(ctx, priv+"\n", "wg", "pubkey")
	if err != nil {
		return "", "", fmt.Errorf("wg pubkey: %w", err)
	}
	pub := strings.TrimSpace(pubOut)

	if err := ValidatePublicKey(pub); err != nil {
		return "", "", fmt.Errorf("generated public key failed validation: %w", err)
	}
	return priv, pub, nil
}
