package envvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// cipherPrefix marks the ciphertext format: ev1 is argon2id + AES-256-GCM with
// the salt and nonce carried in the payload.
const cipherPrefix = "ev1:"

const (
	saltSize  = 16
	nonceSize = 12
)

func deriveKey(key string, salt []byte) []byte {
	return argon2.IDKey([]byte(key), salt, 1, 64*1024, 4, 32)
}

// encryptEnv seals plaintext with the shared key and returns a self-describing,
// transport-safe string: "ev1:" + base64(salt || nonce || ciphertext).
func encryptEnv(plaintext, key string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(deriveKey(key, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)
	return cipherPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// decryptEnv reverses encryptEnv. A wrong key or any tampering fails the GCM
// authentication check and returns errDecryptFailed.
func decryptEnv(ciphertext, key string) (string, error) {
	if !strings.HasPrefix(ciphertext, cipherPrefix) {
		return "", fmt.Errorf("%w: unrecognized ciphertext format", errDecryptFailed)
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errDecryptFailed, err)
	}
	if len(payload) < saltSize+nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", errDecryptFailed)
	}
	salt := payload[:saltSize]
	nonce := payload[saltSize : saltSize+nonceSize]
	sealed := payload[saltSize+nonceSize:]

	block, err := aes.NewCipher(deriveKey(key, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errDecryptFailed
	}
	return string(plaintext), nil
}
