package envvault

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := "shared-backend-key"
	plaintext := "DATABASE_URL=postgres://localhost/app\nAPI_TOKEN=s3cret\n"

	ct, err := encryptEnv(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, cipherPrefix) {
		t.Fatalf("ciphertext missing %q prefix: %q", cipherPrefix, ct[:8])
	}
	if strings.Contains(ct, "s3cret") {
		t.Fatal("ciphertext leaks plaintext")
	}

	out, err := decryptEnv(ct, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != plaintext {
		t.Fatalf("want %q, got %q", plaintext, out)
	}
}

func TestEncryptProducesFreshSalts(t *testing.T) {
	a, err := encryptEnv("A=1", "key")
	if err != nil {
		t.Fatal(err)
	}
	b, err := encryptEnv("A=1", "key")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext are identical")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	ct, err := encryptEnv("A=1", "right-key")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decryptEnv(ct, "wrong-key"); !errors.Is(err, errDecryptFailed) {
		t.Fatalf("want errDecryptFailed, got %v", err)
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	ct, err := encryptEnv("A=1", "key")
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ct, cipherPrefix))
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0x01
	tampered := cipherPrefix + base64.StdEncoding.EncodeToString(raw)
	if _, err := decryptEnv(tampered, "key"); !errors.Is(err, errDecryptFailed) {
		t.Fatalf("want errDecryptFailed, got %v", err)
	}
}

func TestDecryptMalformedInput(t *testing.T) {
	for _, ct := range []string{"", "not-prefixed", cipherPrefix + "!!!", cipherPrefix + base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := decryptEnv(ct, "key"); !errors.Is(err, errDecryptFailed) {
			t.Fatalf("input %q: want errDecryptFailed, got %v", ct, err)
		}
	}
}
