// Package crypto seals message content at rest. Each envelope names the key
// it was sealed with so keys can be rotated without rewriting old rows, and
// is bound to the message id through AES-GCM additional data so a ciphertext
// cannot be moved to another row.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNotSealed = errors.New("value is not a sealed envelope")

type Envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type Manager struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewManager(currentKeyID string, keys map[string][]byte) (*Manager, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Manager{currentKeyID: currentKeyID, keys: cp}, nil
}

func (m *Manager) CurrentKeyID() string {
	return m.currentKeyID
}

func (m *Manager) aead(keyID string) (cipher.AEAD, error) {
	key, ok := m.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

func (m *Manager) Encrypt(plaintext, aad []byte) (Envelope, error) {
	aead, err := m.aead(m.currentKeyID)
	if err != nil {
		return Envelope{}, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("nonce: %w", err)
	}
	return Envelope{
		KeyID:      m.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, aad)),
	}, nil
}

func (m *Manager) Decrypt(env Envelope, aad []byte) ([]byte, error) {
	aead, err := m.aead(env.KeyID)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce has %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts value for the row identified by messageID and returns the
// JSON envelope that is stored in place of the content.
func (m *Manager) Seal(messageID, value string) (string, error) {
	env, err := m.Encrypt([]byte(value), []byte(messageID))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func (m *Manager) Open(messageID, raw string) (string, error) {
	if !strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return "", ErrNotSealed
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNotSealed, err)
	}
	pt, err := m.Decrypt(env, []byte(messageID))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Reseal re-encrypts a stored envelope under the current key.
func (m *Manager) Reseal(messageID, raw string) (string, error) {
	plain, err := m.Open(messageID, raw)
	if err != nil {
		return "", err
	}
	return m.Seal(messageID, plain)
}
