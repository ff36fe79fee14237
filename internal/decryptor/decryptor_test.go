package decryptor

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/systeminit/veritech/internal/sensitive"
)

type fakeRequest struct {
	fields    []Field
	decrypted map[string]string
}

func (f *fakeRequest) Fields() []Field { return f.fields }
func (f *fakeRequest) SetDecrypted(path, plaintext string) {
	if f.decrypted == nil {
		f.decrypted = make(map[string]string)
	}
	f.decrypted[path] = plaintext
}
func (f *fakeRequest) ClearEncrypted() { f.fields = nil }

func newTestDecryptor(t *testing.T) (*Decryptor, *[32]byte) {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return New(pub, priv), pub
}

func TestDecryptRevealsPlaintextAndClearsFields(t *testing.T) {
	d, pub := newTestDecryptor(t)

	sealed, err := SealField(pub, "super-secret-value")
	require.NoError(t, err)

	req := &fakeRequest{fields: []Field{{Path: "arguments.password", CipherText: sealed}}}
	sensitives := sensitive.New()

	require.NoError(t, d.Decrypt(req, sensitives))

	assert.Equal(t, "super-secret-value", req.decrypted["arguments.password"])
	assert.Empty(t, req.fields, "encrypted field list must be cleared after decryption")
	assert.True(t, sensitives.Contains("super-secret-value"))
}

func TestDecryptFailsOnTamperedCiphertext(t *testing.T) {
	d, pub := newTestDecryptor(t)

	sealed, err := SealField(pub, "value")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	req := &fakeRequest{fields: []Field{{Path: "p", CipherText: tampered}}}
	err = d.Decrypt(req, sensitive.New())
	assert.Error(t, err)
}

func TestDecryptFailsOnInvalidBase64(t *testing.T) {
	d, _ := newTestDecryptor(t)
	req := &fakeRequest{fields: []Field{{Path: "p", CipherText: "not-valid-base64!!!"}}}
	err := d.Decrypt(req, sensitive.New())
	assert.Error(t, err)
}

func TestDecryptAbortsWholeRequestOnFirstFailure(t *testing.T) {
	d, pub := newTestDecryptor(t)

	good, err := SealField(pub, "ok")
	require.NoError(t, err)

	req := &fakeRequest{fields: []Field{
		{Path: "bad", CipherText: "!!!invalid"},
		{Path: "good", CipherText: good},
	}}
	sensitives := sensitive.New()
	err = d.Decrypt(req, sensitives)
	require.Error(t, err)
	assert.False(t, sensitives.Contains("ok"), "a field after the failing one must not have been processed")
}
