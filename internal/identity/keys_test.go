package identity

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"
)

func TestGenerateKeysProducesDistinctIdentities(t *testing.T) {
	first, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bytes.Equal(first.SigningPublicKey, second.SigningPublicKey) {
		t.Fatal("two generated identities share a public key")
	}
	if len(first.SigningPrivateKey) != ed25519.PrivateKeySize {
		t.Fatalf("private key size = %d", len(first.SigningPrivateKey))
	}
	if len(first.EncryptionSeed) != 32 {
		t.Fatalf("encryption seed size = %d", len(first.EncryptionSeed))
	}
}

func TestDeriveKeysIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 64)
	first, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveKeys(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if !bytes.Equal(first.SigningPrivateKey, second.SigningPrivateKey) {
		t.Fatal("same seed produced different signing keys")
	}
	if !bytes.Equal(first.EncryptionSeed, second.EncryptionSeed) {
		t.Fatal("same seed produced different encryption seeds")
	}
	if bytes.Equal(first.SigningPrivateKey[:32], first.EncryptionSeed) {
		t.Fatal("signing and encryption keys must diverge")
	}
}

func TestBuildInboxID(t *testing.T) {
	keys, err := GenerateKeys()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := BuildInboxID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(id, "plv1") {
		t.Fatalf("inbox id %q lacks prefix", id)
	}
	again, err := BuildInboxID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if id != again {
		t.Fatal("inbox id is not stable for a fixed key")
	}
	if _, err := BuildInboxID([]byte("short")); err == nil {
		t.Fatal("truncated key should be rejected")
	}
}
