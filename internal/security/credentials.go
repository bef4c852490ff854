// Package security generates and signs the short-lived credentials
// issued with each order: room auth tokens and P2P username/password
// pairs handed to both peers for their transport negotiation.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

// p2p credential alphabet: letters and digits, matching what transport
// stacks accept in ICE-style short-term credentials.
const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Platform holds the deployment secret and the HKDF-derived key used
// to sign room auth tokens. Both broker and signaling deployments load
// the same secret so tokens issued by one are verifiable by the other.
type Platform struct {
	tokenKey []byte
}

// NewPlatform derives the signing key from the deployment secret.
func NewPlatform(secret []byte) (*Platform, error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte("rendezvous-room-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive token key: %w", err)
	}
	return &Platform{tokenKey: key}, nil
}

// LoadOrCreateSecret reads the deployment secret from path, creating a
// fresh 32-byte secret on first run.
func LoadOrCreateSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) >= 32 {
		return data, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("persist secret: %w", err)
	}
	return secret, nil
}

// SignRoomToken produces the auth token for a room/client pair.
func (p *Platform) SignRoomToken(roomID, clientID string) string {
	mac := hmac.New(sha256.New, p.tokenKey)
	mac.Write([]byte("room-token:" + roomID + ":" + clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyRoomToken checks a token produced by SignRoomToken.
func (p *Platform) VerifyRoomToken(roomID, clientID, token string) bool {
	expected := p.SignRoomToken(roomID, clientID)
	return hmac.Equal([]byte(expected), []byte(token))
}

// RandomAlphanumeric returns n random letters/digits for P2P
// short-term credentials.
func RandomAlphanumeric(n int) string {
	raw := make([]byte, n)
	rand.Read(raw) //nolint:errcheck
	out := make([]byte, n)
	for i := range raw {
		out[i] = alphanumeric[int(raw[i])%len(alphanumeric)]
	}
	return string(out)
}
