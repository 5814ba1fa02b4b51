package vault

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v := New("correct horse battery staple")

	plaintext := []byte("sk-ant-secret-key")
	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("roundtrip mismatch: %q", got)
	}
}

func TestKeyIsDeterministic(t *testing.T) {
	ciphertext, nonce, err := New("passphrase").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// A fresh vault with the same passphrase decrypts data sealed before a
	// restart.
	got, err := New("passphrase").Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt with fresh vault: %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("roundtrip mismatch: %q", got)
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	ciphertext, nonce, err := New("right").Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := New("wrong").Decrypt(ciphertext, nonce); err == nil {
		t.Error("expected decryption failure with wrong passphrase")
	}
}

func TestNonceVariesPerEncryption(t *testing.T) {
	v := New("passphrase")

	_, n1, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	_, n2, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(n1, n2) {
		t.Error("nonce reuse across encryptions")
	}
}
