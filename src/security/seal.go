package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var errSealKey = errors.New("session seal key must decode to 32 bytes")

func sealKey() (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(GetConfig().SessionSealKey)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(raw) != 32 {
		return nil, errSealKey
	}

	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// SealSigner encrypts session signer material for storage. The nonce is
// prepended to the ciphertext.
func SealSigner(material []byte) ([]byte, error) {
	key, err := sealKey()
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], material, &nonce, key), nil
}

// OpenSigner decrypts stored signer material.
func OpenSigner(sealed []byte) ([]byte, error) {
	key, err := sealKey()
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed signer material too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	material, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("failed to open sealed signer material")
	}
	return material, nil
}
