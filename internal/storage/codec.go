package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

// encryptedPrefix marks encrypted payloads so that plaintext and encrypted
// records can coexist in one store during an encryption rollout.
const encryptedPrefix = "hl-enc:"

// Codec serializes token records for storage, encrypting them when an AEAD is
// configured. The cache key is bound into the ciphertext as associated data,
// preventing a payload from being replayed under a different key.
type Codec struct {
	aead tink.AEAD
}

// NewCodec creates a codec. A nil AEAD yields a plaintext codec.
func NewCodec(a tink.AEAD) *Codec {
	return &Codec{aead: a}
}

// Encrypted reports whether the codec writes encrypted payloads.
func (c *Codec) Encrypted() bool {
	return c.aead != nil
}

// Encode serializes rec for storage under key.
func (c *Codec) Encode(key string, rec Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshalling record: %w", err)
	}

	if c.aead == nil {
		return string(data), nil
	}

	ciphertext, err := c.aead.Encrypt(data, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting record: %w", err)
	}

	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decode deserializes a stored payload. Untagged payloads are decoded as
// plaintext JSON regardless of codec mode, so a store written before
// encryption was enabled keeps working. A tagged payload that cannot be
// decrypted — wrong or rotated key, no key configured, truncated data —
// yields ErrCorruptRecord, which callers treat as a miss.
func (c *Codec) Decode(key, value string) (Record, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		var rec Record
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return Record{}, fmt.Errorf("%w: unmarshalling plaintext record: %v", ErrCorruptRecord, err)
		}
		return rec, nil
	}

	if c.aead == nil {
		return Record{}, fmt.Errorf("%w: encrypted payload present but no encryption key configured", ErrCorruptRecord)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return Record{}, fmt.Errorf("%w: base64 decode: %v", ErrCorruptRecord, err)
	}

	plaintext, err := c.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return Record{}, fmt.Errorf("%w: decrypt: %v", ErrCorruptRecord, err)
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: unmarshalling decrypted record: %v", ErrCorruptRecord, err)
	}

	return rec, nil
}
