package inbox

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"palaver-chat/core/internal/identity"
)

var ErrEmptySessionToken = errors.New("backend returned an empty session token")

// BackendAuthorizer exchanges a locally generated proof for a backend
// session token.
type BackendAuthorizer interface {
	SessionToken(ctx context.Context, inboxID string, proof []byte) (string, error)
}

// StaticTokenAuthorizer short-circuits the exchange with a pre-supplied
// token. Used by tests and the dev override hook.
type StaticTokenAuthorizer struct {
	Token string
}

func (a StaticTokenAuthorizer) SessionToken(context.Context, string, []byte) (string, error) {
	if a.Token == "" {
		return "", ErrEmptySessionToken
	}
	return a.Token, nil
}

// signProof produces the backend authentication proof: a signature over
// the inbox identifier and the current time.
func signProof(keys *identity.KeyMaterial, inboxID string, now time.Time) ([]byte, error) {
	if len(keys.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid signing key size: %d", len(keys.SigningPrivateKey))
	}
	payload := []byte(inboxID + "|" + now.UTC().Format(time.RFC3339))
	sig := ed25519.Sign(ed25519.PrivateKey(keys.SigningPrivateKey), payload)
	proof := append(payload, '|')
	proof = append(proof, []byte(base64.StdEncoding.EncodeToString(sig))...)
	return proof, nil
}
