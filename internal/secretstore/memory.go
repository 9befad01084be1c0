package secretstore

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"datagate/internal/crypto"
)

// Memory is a process-local secret store for development and tests. The
// ciphertext is a reversible hex encoding, not real encryption.
type Memory struct {
	mu   sync.Mutex
	docs map[string]string
}

func NewMemory() *Memory {
	return &Memory{docs: map[string]string{}}
}

func (m *Memory) Encrypt(_ context.Context, docID, plaintext string, signer *crypto.Account) (string, error) {
	if signer == nil || !signer.CanSign() || plaintext == "" {
		return "", ErrEncryptionFailed
	}
	cipher := "0x" + hex.EncodeToString([]byte(plaintext))
	m.mu.Lock()
	m.docs[docID] = cipher
	m.mu.Unlock()
	return cipher, nil
}

func (m *Memory) Decrypt(_ context.Context, docID, ciphertext string, caller *crypto.Account) (string, error) {
	if caller == nil || !caller.CanSign() {
		return "", ErrDecryptionFailed
	}
	m.mu.Lock()
	stored, ok := m.docs[docID]
	m.mu.Unlock()
	if ok && stored != ciphertext {
		return "", ErrDecryptionFailed
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(ciphertext, "0x"))
	if err != nil || len(raw) == 0 {
		return "", ErrDecryptionFailed
	}
	return string(raw), nil
}
