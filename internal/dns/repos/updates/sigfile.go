package updates

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPublicKey       = errors.New("embedded public key is invalid")
	ErrSignatureFormat = errors.New("malformed signature file")
	ErrAlgorithm       = errors.New("unsupported signature algorithm")
)

// DecodePublicKey decodes and length-validates a base64 Ed25519 public key.
func DecodePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// ParseSignatureFile extracts the detached signature from the publisher's
// "key: value" format. The algorithm field must name ed25519 and the
// signature field must be base64 of a full-size Ed25519 signature.
func ParseSignatureFile(data []byte) ([]byte, error) {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		k, v, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		fields[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}

	if fields["algorithm"] != "ed25519" {
		return nil, fmt.Errorf("%w: %q", ErrAlgorithm, fields["algorithm"])
	}
	encoded, ok := fields["signature"]
	if !ok {
		return nil, fmt.Errorf("%w: missing signature field", ErrSignatureFormat)
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureFormat, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: got %d signature bytes, want %d", ErrSignatureFormat, len(sig), ed25519.SignatureSize)
	}
	return sig, nil
}
