package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mbahri/senja/internal/observability"
)

const (
	challengeBytes  = 32
	maxAuthAttempts = 3
)

// Authenticator guards the WebSocket surface with an HMAC-SHA256
// challenge-response handshake over the shared secret. Challenges are single
// use; a client that burns maxAuthAttempts signatures is locked out and its
// connection dropped by the server.
type Authenticator struct {
	secret []byte
	logger zerolog.Logger
}

// NewAuthenticator creates an authenticator for the given shared secret.
func NewAuthenticator(secret string, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		logger: logger,
	}
}

// NewChallenge returns a fresh random challenge, hex encoded.
func (a *Authenticator) NewChallenge() (string, error) {
	challenge := make([]byte, challengeBytes)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature checks an HMAC-SHA256 signature over the challenge in
// constant time.
func (a *Authenticator) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Verify consumes the client's outstanding challenge against the presented
// signature and updates the client's auth state. The result carries Locked
// when the attempt budget is spent; the caller owns closing the connection.
func (a *Authenticator) Verify(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		observability.RecordGatewayAuth(false)
		return AuthResult{
			Event:   "auth.failure",
			Message: "no challenge issued",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		locked := client.AuthAttempts >= maxAuthAttempts
		observability.RecordGatewayAuth(false)
		a.logger.Warn().
			Str("clientId", client.ID).
			Int("attempts", client.AuthAttempts).
			Bool("locked", locked).
			Msg("Authentication attempt rejected")

		message := "invalid signature"
		if locked {
			message = "too many failed attempts"
		}
		return AuthResult{
			Event:   "auth.failure",
			Message: message,
			Locked:  locked,
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = "" // single use
	observability.RecordGatewayAuth(true)

	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}
