// Package tokenstore wraps a caller-supplied token fetch function with an
// encrypted on-disk cache, so a restart doesn't force a fresh round trip to
// the identity provider just to get a token that hasn't expired yet.
package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSizeBytes    = 16
	pbkdf2Iterations = 100000
	pbkdf2KeyLength  = 32 // AES-256
)

func ensureDirExists(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

func initializeSalt(saltFilePath string) ([]byte, error) {
	if err := ensureDirExists(saltFilePath); err != nil {
		return nil, fmt.Errorf("failed to ensure salt directory exists: %w", err)
	}

	if _, err := os.Stat(saltFilePath); os.IsNotExist(err) {
		salt := make([]byte, saltSizeBytes)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate random salt: %w", err)
		}
		if err := os.WriteFile(saltFilePath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to save new salt to %s: %w", saltFilePath, err)
		}
		return salt, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat salt file %s: %w", saltFilePath, err)
	}

	salt, err := os.ReadFile(saltFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read salt from %s: %w", saltFilePath, err)
	}
	if len(salt) != saltSizeBytes {
		return nil, fmt.Errorf("salt file %s has incorrect size: expected %d, got %d", saltFilePath, saltSizeBytes, len(salt))
	}
	return salt, nil
}

// newCipher derives an AES-256-GCM AEAD from passphrase and the salt at
// saltFilePath, generating and persisting the salt on first use.
func newCipher(passphrase string, saltFilePath string) (cipher.AEAD, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	if saltFilePath == "" {
		return nil, errors.New("saltFilePath cannot be empty")
	}

	salt, err := initializeSalt(saltFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM AEAD mode: %w", err)
	}

	return aead, nil
}

func encrypt(aead cipher.AEAD, data []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, nil), nil
}

func decrypt(aead cipher.AEAD, encryptedData []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, errors.New("encrypted data is too short to contain a nonce")
	}
	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	return plaintext, nil
}
