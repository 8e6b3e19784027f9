package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joyshmitz/ampersona/pkg/signing"
)

// loadOrGenerateKey reads the hex-encoded Ed25519 seed at keyPath,
// generating and persisting a fresh keypair on first use. The public
// key is written alongside as keyPath+".pub" so `verify` can run
// against just the public half.
func loadOrGenerateKey(keyPath string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if raw, err := os.ReadFile(keyPath); err == nil {
		seed, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key material at %s: %w", keyPath, err)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return priv.Public().(ed25519.PublicKey), priv, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write key material: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return nil, nil, fmt.Errorf("write public key: %w", err)
	}
	return pub, priv, nil
}

// loadPublicKey reads just the public half, for commands (verify)
// that should never touch private key material.
func loadPublicKey(keyPath string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		return nil, fmt.Errorf("read public key at %s.pub: %w", keyPath, err)
	}
	pub, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid public key at %s.pub: %w", keyPath, err)
	}
	return ed25519.PublicKey(pub), nil
}

// signerFor builds a signing.Signer over priv, tagged with the
// configured signer identity.
func signerFor(priv ed25519.PrivateKey, cfg *cliConfig) *signing.Signer {
	return signing.NewSigner(priv, cfg.keyID, cfg.signerTag, nil)
}
