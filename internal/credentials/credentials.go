// Package credentials keeps the remote account's username and secret at rest.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"calmirror/internal/store"
)

const (
	keySize          = 32 // AES-256
	nonceSize        = 12 // GCM standard nonce size
	saltSize         = 16
	pbkdf2Iterations = 100000

	secretName = "caldav.credentials"
)

var (
	ErrNoCredentials = errors.New("no stored credentials")
	ErrDecrypt       = errors.New("decryption failed: invalid passphrase or corrupted data")
)

// Credentials is a username + secret pair for the remote account.
type Credentials struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Store gets, saves and clears the single stored credential pair.
type Store interface {
	Get(ctx context.Context) (Credentials, error)
	Save(ctx context.Context, c Credentials) error
	Clear(ctx context.Context) error
}

// Vault encrypts credentials with AES-256-GCM under a key derived from a
// passphrase and keeps the blob in a SecretStore.
//
// Blob layout: salt | nonce | ciphertext.
type Vault struct {
	secrets    store.SecretStore
	passphrase string
}

var _ Store = (*Vault)(nil)

func NewVault(secrets store.SecretStore, passphrase string) *Vault {
	return &Vault{secrets: secrets, passphrase: passphrase}
}

func (v *Vault) Get(ctx context.Context) (Credentials, error) {
	blob, err := v.secrets.GetSecret(ctx, secretName)
	if errors.Is(err, store.ErrNotFound) {
		return Credentials{}, ErrNoCredentials
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials: %w", err)
	}

	plain, err := v.decrypt(blob)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return c, nil
}

func (v *Vault) Save(ctx context.Context, c Credentials) error {
	if c.Username == "" || c.Secret == "" {
		return errors.New("username and secret are required")
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return err
	}
	blob, err := v.encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return v.secrets.PutSecret(ctx, secretName, blob)
}

func (v *Vault) Clear(ctx context.Context) error {
	return v.secrets.DeleteSecret(ctx, secretName)
}

func (v *Vault) encrypt(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := v.cipher(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plain)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func (v *Vault) decrypt(blob []byte) ([]byte, error) {
	if len(blob) < saltSize+nonceSize {
		return nil, ErrDecrypt
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]

	gcm, err := v.cipher(salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, blob[saltSize+nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (v *Vault) cipher(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(v.passphrase), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
