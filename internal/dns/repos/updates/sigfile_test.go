package updates

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePublicKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	encoded := base64.StdEncoding.EncodeToString(pub)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", encoded, false},
		{"valid with whitespace", "  " + encoded + "\n", false},
		{"not base64", "!!!not-base64!!!", true},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short")), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePublicKey(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPublicKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, ed25519.PublicKey(pub), got)
		})
	}
}

func TestParseSignatureFile(t *testing.T) {
	sig := make([]byte, ed25519.SignatureSize)
	for i := range sig {
		sig[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(sig)

	t.Run("valid", func(t *testing.T) {
		got, err := ParseSignatureFile([]byte("algorithm: ed25519\nsignature: " + encoded + "\n"))
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	})

	t.Run("extra fields ignored", func(t *testing.T) {
		file := "comment: weekly build\nalgorithm: ed25519\nsignature: " + encoded + "\ncreated: 2026-08-25\n"
		got, err := ParseSignatureFile([]byte(file))
		require.NoError(t, err)
		assert.Equal(t, sig, got)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		_, err := ParseSignatureFile([]byte("algorithm: rsa\nsignature: " + encoded + "\n"))
		assert.ErrorIs(t, err, ErrAlgorithm)
	})

	t.Run("missing algorithm", func(t *testing.T) {
		_, err := ParseSignatureFile([]byte("signature: " + encoded + "\n"))
		assert.ErrorIs(t, err, ErrAlgorithm)
	})

	t.Run("missing signature", func(t *testing.T) {
		_, err := ParseSignatureFile([]byte("algorithm: ed25519\n"))
		assert.ErrorIs(t, err, ErrSignatureFormat)
	})

	t.Run("signature not base64", func(t *testing.T) {
		_, err := ParseSignatureFile([]byte("algorithm: ed25519\nsignature: %%%\n"))
		assert.ErrorIs(t, err, ErrSignatureFormat)
	})

	t.Run("signature wrong length", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(sig[:16])
		_, err := ParseSignatureFile([]byte("algorithm: ed25519\nsignature: " + short + "\n"))
		assert.ErrorIs(t, err, ErrSignatureFormat)
	})

	t.Run("empty file", func(t *testing.T) {
		_, err := ParseSignatureFile(nil)
		assert.ErrorIs(t, err, ErrAlgorithm)
	})
}
