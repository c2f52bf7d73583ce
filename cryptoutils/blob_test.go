package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptedBlob_Layout(t *testing.T) {
	nonce := bytes.Repeat([]byte{0xAA}, interfaces.GCMNonceSize)
	ciphertext := bytes.Repeat([]byte{0x55}, 29)

	blob, err := NewEncryptedBlob(ciphertext, nonce)
	require.NoError(t, err)

	raw, err := blob.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 1+12+29)
	assert.Equal(t, byte(12), raw[0])
	assert.Equal(t, nonce, raw[1:13])
	assert.Equal(t, ciphertext, raw[13:])

	var decoded EncryptedBlob
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.True(t, blob.Equal(decoded))

	text, err := blob.MarshalText()
	require.NoError(t, err)
	var fromText EncryptedBlob
	require.NoError(t, fromText.UnmarshalText(text))
	assert.True(t, blob.Equal(fromText))
}

func TestEncryptedBlob_Copies(t *testing.T) {
	nonce := make([]byte, interfaces.GCMNonceSize)
	ciphertext := make([]byte, interfaces.GCMTagSize)

	blob, err := NewEncryptedBlob(ciphertext, nonce)
	require.NoError(t, err)

	nonce[0] = 1
	ciphertext[0] = 1
	assert.Equal(t, byte(0), blob.Nonce()[0])
	assert.Equal(t, byte(0), blob.Ciphertext()[0])

	blob.Nonce()[1] = 1
	assert.Equal(t, byte(0), blob.Nonce()[1])
}

func TestEncryptedBlob_Invalid(t *testing.T) {
	_, err := NewEncryptedBlob([]byte("ct"), []byte("short"))
	require.ErrorIs(t, err, interfaces.ErrInvalidBlob)

	assert.True(t, EncryptedBlob{}.IsZero())
	_, err = EncryptedBlob{}.MarshalBinary()
	require.ErrorIs(t, err, interfaces.ErrInvalidBlob)

	testCases := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Wrong nonce length", append([]byte{8}, make([]byte, 40)...)},
		{"Missing tag", append([]byte{12}, make([]byte, 12+15)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var blob EncryptedBlob
			require.ErrorIs(t, blob.UnmarshalBinary(tc.data), interfaces.ErrInvalidBlob)
		})
	}

	var blob EncryptedBlob
	require.ErrorIs(t, blob.UnmarshalText([]byte("not base64!")), interfaces.ErrInvalidBlob)
}
