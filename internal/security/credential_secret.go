package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	credentialEncryptionKeyEnv = "TOKEN_ENCRYPTION_KEY"
	CredentialEncryptionPrefix = "enc:"

	keyDerivationInfo = "kestrel credential secret v1"
)

var (
	credentialCipherOnce sync.Once
	credentialCipherInst *credentialCipher
	credentialCipherErr  error
)

type credentialCipher struct {
	gcm cipher.AEAD
}

func getCredentialCipher() (*credentialCipher, error) {
	credentialCipherOnce.Do(func() {
		rawKey := strings.TrimSpace(os.Getenv(credentialEncryptionKeyEnv))
		if rawKey == "" {
			credentialCipherErr = errors.New("credential encryption key not set: " + credentialEncryptionKeyEnv)
			return
		}

		key, err := deriveCredentialKey(rawKey)
		if err != nil {
			credentialCipherErr = fmt.Errorf("derive credential key: %w", err)
			return
		}

		block, err := aes.NewCipher(key)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create cipher: %w", err)
			return
		}

		gcm, err := cipher.NewGCM(block)
		if err != nil {
			credentialCipherErr = fmt.Errorf("create gcm: %w", err)
			return
		}

		credentialCipherInst = &credentialCipher{gcm: gcm}
	})

	return credentialCipherInst, credentialCipherErr
}

// deriveCredentialKey stretches the configured secret into an AES-256 key.
// Base64 input is decoded first so operators can paste random key material.
func deriveCredentialKey(raw string) ([]byte, error) {
	secret := []byte(raw)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) >= 16 {
		secret = decoded
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, secret, nil, []byte(keyDerivationInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func EncryptCredential(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, cc.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := cc.gcm.Seal(nil, nonce, []byte(plain), nil)
	payload := append(nonce, sealed...)

	return CredentialEncryptionPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptCredential returns the plain value. Values stored before encryption was
// enabled carry no prefix and are returned as-is with legacy set.
func DecryptCredential(value string) (plain string, legacy bool, err error) {
	if value == "" {
		return "", false, nil
	}

	if !strings.HasPrefix(value, CredentialEncryptionPrefix) {
		return value, true, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, CredentialEncryptionPrefix))
	if err != nil {
		return "", false, fmt.Errorf("decode ciphertext: %w", err)
	}

	cc, err := getCredentialCipher()
	if err != nil {
		return "", false, err
	}

	nonceSize := cc.gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", false, errors.New("ciphertext too short")
	}

	opened, err := cc.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", false, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return string(opened), false, nil
}

func IsCredentialEncrypted(value string) bool {
	return strings.HasPrefix(value, CredentialEncryptionPrefix)
}

// HashCredential is the lookup key for a credential; the ciphertext is not
// deterministic so it cannot be queried directly.
func HashCredential(plain string) string {
	if plain == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

func ResetCredentialCipherForTests() {
	credentialCipherOnce = sync.Once{}
	credentialCipherInst = nil
	credentialCipherErr = nil
}
