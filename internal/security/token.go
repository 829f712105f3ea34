// Package security seals the remote access token before it is written to
// the config file.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32 // AES-256
	saltSize   = 32
	pbkdf2Iter = 100000

	// SealedPrefix marks a token value that has been sealed
	SealedPrefix = "enc:"
)

// TokenVault seals and opens access tokens with a key derived from a
// per-install salt and the machine identity
type TokenVault struct {
	saltPath  string
	machineID func() string
}

// NewTokenVault keeps its salt in dataDir
func NewTokenVault(dataDir string) *TokenVault {
	return &TokenVault{
		saltPath:  filepath.Join(dataDir, ".token_salt"),
		machineID: machineID,
	}
}

// IsSealed reports whether value came out of Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts token. The result is safe to store in the config file.
func (v *TokenVault) Seal(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}

	key, err := v.key(true)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(token), nil)
	return SealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open returns the plaintext token. A value that was never sealed is
// returned as is.
func (v *TokenVault) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}

	key, err := v.key(false)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed token too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open token: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// key derives the AES key, creating the salt file when create is set
func (v *TokenVault) key(create bool) ([]byte, error) {
	salt, err := v.loadSalt()
	if err != nil {
		if !create || !os.IsNotExist(err) {
			return nil, err
		}
		if salt, err = v.createSalt(); err != nil {
			return nil, err
		}
	}
	return pbkdf2.Key([]byte(v.machineID()), salt, pbkdf2Iter, keySize, sha256.New), nil
}

func (v *TokenVault) loadSalt() ([]byte, error) {
	data, err := os.ReadFile(v.saltPath)
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("invalid salt file")
	}
	return salt, nil
}

func (v *TokenVault) createSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.saltPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(v.saltPath, []byte(base64.StdEncoding.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	return salt, nil
}

// machineID ties sealed tokens to this host and user
func machineID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "default-machine"
	}

	username := os.Getenv("USERNAME")
	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		username = "default-user"
	}
	return hostname + ":" + username
}
