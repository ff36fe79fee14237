// Package decryptor implements the decryptor (C2): it decrypts the
// encrypted fields of a request in place using the service's asymmetric
// key, recording every revealed plaintext into a sensitive-string set.
//
// Fields are sealed with NaCl/libsodium anonymous sealed boxes
// (golang.org/x/crypto/nacl/box), the same primitive the original veritech
// service uses for "VeritechValueDecrypt" — an ephemeral sender key is
// discarded after encryption, so only the service's private key can open
// the box.
package decryptor

import (
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/systeminit/veritech/internal/sensitive"
)

// Decryptor holds the service's long-lived X25519 key pair.
type Decryptor struct {
	publicKey  *[32]byte
	privateKey *[32]byte
}

// New builds a Decryptor from a 32-byte X25519 key pair.
func New(publicKey, privateKey *[32]byte) *Decryptor {
	return &Decryptor{publicKey: publicKey, privateKey: privateKey}
}

// DecryptableRequest is the minimal surface the decryptor needs, satisfied
// by *core.Request. It is expressed as an interface so callers can decrypt
// requests without an import cycle back into core.
type DecryptableRequest interface {
	Fields() []Field
	SetDecrypted(path, plaintext string)
	ClearEncrypted()
}

// Field is one encrypted field awaiting decryption.
type Field struct {
	Path       string
	CipherText string // base64
}

// Decrypt opens every encrypted field of req with the service's private
// key, appends each revealed plaintext to sensitives, and clears the
// request's encrypted-field list, satisfying the "no encrypted field
// remains" invariant. The first failure aborts the whole request — partial
// decryption is not a supported outcome.
func (d *Decryptor) Decrypt(req DecryptableRequest, sensitives *sensitive.Set) error {
	for _, f := range req.Fields() {
		plaintext, err := d.openField(f.CipherText)
		if err != nil {
			return fmt.Errorf("decrypt field %q: %w", f.Path, err)
		}
		sensitives.Insert(plaintext)
		req.SetDecrypted(f.Path, plaintext)
	}
	req.ClearEncrypted()
	return nil
}

func (d *Decryptor) openField(cipherTextBase64 string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(cipherTextBase64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 ciphertext: %w", err)
	}

	plaintext, ok := box.OpenAnonymous(nil, sealed, d.publicKey, d.privateKey)
	if !ok {
		return "", fmt.Errorf("sealed box authentication failed")
	}
	return string(plaintext), nil
}

// SealField encrypts plaintext under publicKey, for use by request
// producers and tests. It is the inverse of openField.
func SealField(publicKey *[32]byte, plaintext string) (string, error) {
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), publicKey, nil)
	if err != nil {
		return "", fmt.Errorf("seal field: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
