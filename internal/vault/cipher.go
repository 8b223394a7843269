// Package vault implements the secrets vault: an Argon2id-derived master
// key guarding AES-256-GCM envelopes around typed integration credentials.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Envelope is the on-disk encrypted form of a secret payload: the GCM
// nonce, ciphertext, and authentication tag stored separately.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

// sealWithKey encrypts plaintext under the 32-byte raw key using AES-256-GCM
// with a fresh random IV, splitting the sealed output into ciphertext and tag.
func sealWithKey(key, plaintext []byte) (Envelope, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("vault: create gcm: %w", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("vault: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	if len(sealed) < gcmTagSize {
		return Envelope{}, fmt.Errorf("vault: sealed output shorter than tag size")
	}
	split := len(sealed) - gcmTagSize

	return Envelope{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// openWithKey decrypts an Envelope under the 32-byte raw key.
func openWithKey(key []byte, env Envelope) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}

	sealed := append(append([]byte{}, env.Ciphertext...), env.AuthTag...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return plaintext, nil
}

// packEnvelope concatenates an Envelope's three fields into one blob
// (ivLen, iv, tagLen, tag, ciphertext) for callers that want a single
// opaque []byte rather than the struct — tokencache's at-rest encryption
// doesn't need the fields addressable individually.
func packEnvelope(env Envelope) []byte {
	buf := make([]byte, 0, 8+len(env.IV)+len(env.AuthTag)+len(env.Ciphertext))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env.IV)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, env.IV...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env.AuthTag)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, env.AuthTag...)
	buf = append(buf, env.Ciphertext...)
	return buf
}

func unpackEnvelope(blob []byte) (Envelope, error) {
	if len(blob) < 8 {
		return Envelope{}, fmt.Errorf("vault: truncated envelope blob")
	}
	ivLen := binary.BigEndian.Uint32(blob[0:4])
	blob = blob[4:]
	if uint32(len(blob)) < ivLen {
		return Envelope{}, fmt.Errorf("vault: truncated envelope iv")
	}
	iv := blob[:ivLen]
	blob = blob[ivLen:]

	if len(blob) < 4 {
		return Envelope{}, fmt.Errorf("vault: truncated envelope tag length")
	}
	tagLen := binary.BigEndian.Uint32(blob[0:4])
	blob = blob[4:]
	if uint32(len(blob)) < tagLen {
		return Envelope{}, fmt.Errorf("vault: truncated envelope tag")
	}
	tag := blob[:tagLen]
	ciphertext := blob[tagLen:]

	return Envelope{Ciphertext: ciphertext, IV: iv, AuthTag: tag}, nil
}
