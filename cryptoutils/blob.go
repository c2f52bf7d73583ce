package cryptoutils

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/ruteri/device-keyvault/interfaces"
)

// EncryptedBlob carries an AES-GCM ciphertext (tag appended) and the nonce it was sealed with.
// The zero value is not a valid blob; use NewEncryptedBlob or UnmarshalBinary.
type EncryptedBlob struct {
	ciphertext []byte
	nonce      []byte
}

// NewEncryptedBlob creates a blob from ciphertext and a 12-byte nonce.
// Both slices are copied.
func NewEncryptedBlob(ciphertext, nonce []byte) (EncryptedBlob, error) {
	if len(nonce) != interfaces.GCMNonceSize {
		return EncryptedBlob{}, fmt.Errorf("%w: nonce must be %d bytes, got %d", interfaces.ErrInvalidBlob, interfaces.GCMNonceSize, len(nonce))
	}
	return EncryptedBlob{
		ciphertext: bytes.Clone(ciphertext),
		nonce:      bytes.Clone(nonce),
	}, nil
}

// Ciphertext returns a copy of the ciphertext including the GCM tag.
func (b EncryptedBlob) Ciphertext() []byte {
	return bytes.Clone(b.ciphertext)
}

// Nonce returns a copy of the 12-byte nonce.
func (b EncryptedBlob) Nonce() []byte {
	return bytes.Clone(b.nonce)
}

// Equal reports whether both ciphertext and nonce are byte-equal.
func (b EncryptedBlob) Equal(other EncryptedBlob) bool {
	return bytes.Equal(b.ciphertext, other.ciphertext) && bytes.Equal(b.nonce, other.nonce)
}

// IsZero reports whether b is the zero value.
func (b EncryptedBlob) IsZero() bool {
	return b.nonce == nil && b.ciphertext == nil
}

// MarshalBinary encodes the blob as:
//
//	[nonce length (1 byte)][nonce][ciphertext]
func (b EncryptedBlob) MarshalBinary() ([]byte, error) {
	if len(b.nonce) != interfaces.GCMNonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrInvalidBlob, interfaces.GCMNonceSize)
	}

	result := make([]byte, 1+len(b.nonce)+len(b.ciphertext))
	result[0] = byte(len(b.nonce))
	copy(result[1:1+len(b.nonce)], b.nonce)
	copy(result[1+len(b.nonce):], b.ciphertext)
	return result, nil
}

// UnmarshalBinary decodes a blob produced by MarshalBinary.
func (b *EncryptedBlob) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("%w: empty input", interfaces.ErrInvalidBlob)
	}

	nonceLen := int(data[0])
	if nonceLen != interfaces.GCMNonceSize {
		return fmt.Errorf("%w: unexpected nonce length %d", interfaces.ErrInvalidBlob, nonceLen)
	}
	if len(data) < 1+nonceLen+interfaces.GCMTagSize {
		return fmt.Errorf("%w: input too short", interfaces.ErrInvalidBlob)
	}

	blob, err := NewEncryptedBlob(data[1+nonceLen:], data[1:1+nonceLen])
	if err != nil {
		return err
	}
	*b = blob
	return nil
}

// MarshalText encodes the binary form as standard base64.
func (b EncryptedBlob) MarshalText() ([]byte, error) {
	raw, err := b.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// UnmarshalText decodes a blob produced by MarshalText.
func (b *EncryptedBlob) UnmarshalText(text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInvalidBlob, err)
	}
	return b.UnmarshalBinary(raw[:n])
}
