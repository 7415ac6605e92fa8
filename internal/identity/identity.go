// Pelorus - Onboard Vessel Telemetry Relay
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pelorus

// Package identity manages the boat's long-lived credential: a stable boat
// id and an RSA keypair used to sign identity assertions to the hub. Files
// are written once on first boot and read-only afterwards.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/pelorus/internal/logging"
)

const (
	keyBits         = 2048
	privateKeyFile  = "boat_key.pem"
	publicKeyFile   = "boat_key.pub.pem"
	boatIDFile      = "boat_id"
	privateKeyPerms = 0o600
)

// Identity is the boat's credential.
type Identity struct {
	boatID     string
	privateKey *rsa.PrivateKey
	publicPEM  string
}

// Load reads the credential from dir, generating and persisting it on first
// boot.
func Load(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}

	boatID, err := loadOrCreateBoatID(filepath.Join(dir, boatIDFile))
	if err != nil {
		return nil, err
	}
	key, created, err := loadOrCreateKey(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}

	publicPEM, err := encodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if created {
		pubPath := filepath.Join(dir, publicKeyFile)
		if err := os.WriteFile(pubPath, []byte(publicPEM), 0o644); err != nil {
			return nil, fmt.Errorf("write public key: %w", err)
		}
		logging.Info().Str("boat_id", boatID).Msg("generated boat identity")
	}

	return &Identity{boatID: boatID, privateKey: key, publicPEM: publicPEM}, nil
}

// BoatID returns the stable boat identifier.
func (id *Identity) BoatID() string { return id.boatID }

// PublicKeyPEM returns the SPKI public key in PEM form.
func (id *Identity) PublicKeyPEM() string { return id.publicPEM }

// Sign produces the hub identity signature: base64 RSA-SHA256 over the
// literal string "boatId:timestampMillis".
func (id *Identity) Sign(timestampMillis int64) (string, error) {
	payload := id.boatID + ":" + strconv.FormatInt(timestampMillis, 10)
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, id.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign identity: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign against a public key in PEM
// form. Used by tests and by hub-side tooling.
func Verify(publicPEM, boatID string, timestampMillis int64, signature string) error {
	block, _ := pem.Decode([]byte(publicPEM))
	if block == nil {
		return fmt.Errorf("verify: no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("verify: parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("verify: not an RSA key")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("verify: decode signature: %w", err)
	}
	payload := boatID + ":" + strconv.FormatInt(timestampMillis, 10)
	digest := sha256.Sum256([]byte(payload))
	return rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], sig)
}

func loadOrCreateBoatID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read boat id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write boat id: %w", err)
	}
	return id, nil
}

func loadOrCreateKey(path string) (*rsa.PrivateKey, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, false, fmt.Errorf("private key %s: no PEM block", path)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, false, fmt.Errorf("parse private key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, false, fmt.Errorf("private key %s: not RSA", path)
		}
		return key, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read private key: %w", err)
	}

	start := time.Now()
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, false, fmt.Errorf("generate key: %w", err)
	}
	logging.Debug().Dur("took", time.Since(start)).Msg("generated RSA keypair")

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, false, fmt.Errorf("encode private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), privateKeyPerms); err != nil {
		return nil, false, fmt.Errorf("write private key: %w", err)
	}
	return key, true, nil
}

func encodePublicKey(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
