package keystore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/ruteri/device-keyvault/cryptoutils"
	"github.com/ruteri/device-keyvault/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testArgon2Params = cryptoutils.Argon2Params{Time: 1, Memory: 64, Threads: 1}

// fakeKMS binds ciphertexts to their encryption context the way AWS KMS does.
type fakeKMS struct {
	kmsiface.KMSAPI

	blobs map[string][]byte
	down  bool
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{blobs: make(map[string][]byte)}
}

func contextDigest(keyID string, ec map[string]*string) []byte {
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(keyID))
	for _, k := range keys {
		h.Write([]byte(k + "=" + aws.StringValue(ec[k]) + ";"))
	}
	return h.Sum(nil)
}

func (f *fakeKMS) EncryptWithContext(ctx aws.Context, in *kms.EncryptInput, _ ...request.Option) (*kms.EncryptOutput, error) {
	if f.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	blob := append(contextDigest(aws.StringValue(in.KeyId), in.EncryptionContext), byte(len(f.blobs)))
	f.blobs[string(blob)] = bytes.Clone(in.Plaintext)
	return &kms.EncryptOutput{CiphertextBlob: blob, KeyId: in.KeyId}, nil
}

func (f *fakeKMS) DecryptWithContext(ctx aws.Context, in *kms.DecryptInput, _ ...request.Option) (*kms.DecryptOutput, error) {
	if f.down {
		return nil, errors.New("dial tcp: connection refused")
	}
	plaintext, ok := f.blobs[string(in.CiphertextBlob)]
	digest := contextDigest(aws.StringValue(in.KeyId), in.EncryptionContext)
	if !ok || !bytes.HasPrefix(in.CiphertextBlob, digest) {
		return nil, awserr.New(kms.ErrCodeInvalidCiphertextException, "", nil)
	}
	return &kms.DecryptOutput{Plaintext: bytes.Clone(plaintext), KeyId: in.KeyId}, nil
}

func TestPassphraseWrapper(t *testing.T) {
	ctx := context.Background()
	wc := WrapContext{Alias: interfaces.SecretKeyAlias, KeyID: "id-1"}
	key := bytes.Repeat([]byte{0x42}, 32)

	wrapper, err := NewPassphraseWrapper([]byte("passphrase"))
	require.NoError(t, err)
	wrapper = wrapper.WithArgon2Params(testArgon2Params)

	wrapped, err := wrapper.Wrap(ctx, wc, key)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(key))

	unwrapped, err := wrapper.Unwrap(ctx, wc, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	// A wrapped key cannot be moved to another alias
	_, err = wrapper.Unwrap(ctx, WrapContext{Alias: interfaces.DatabaseKeyAlias, KeyID: "id-1"}, wrapped)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	other, err := NewPassphraseWrapper([]byte("other"))
	require.NoError(t, err)
	_, err = other.WithArgon2Params(testArgon2Params).Unwrap(ctx, wc, wrapped)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	_, err = NewPassphraseWrapper(nil)
	require.Error(t, err)
}

func TestAWSKMSWrapper(t *testing.T) {
	ctx := context.Background()
	client := newFakeKMS()
	wrapper, err := NewAWSKMSWrapper("alias/device-keyvault", "eu-west-1", "")
	require.NoError(t, err)
	wrapper = wrapper.WithClient(client)

	wc := WrapContext{Alias: interfaces.SecretKeyAlias, KeyID: "id-1"}
	key := bytes.Repeat([]byte{0x42}, 32)

	wrapped, err := wrapper.Wrap(ctx, wc, key)
	require.NoError(t, err)

	unwrapped, err := wrapper.Unwrap(ctx, wc, wrapped)
	require.NoError(t, err)
	assert.Equal(t, key, unwrapped)

	_, err = wrapper.Unwrap(ctx, WrapContext{Alias: interfaces.DatabaseKeyAlias, KeyID: "id-1"}, wrapped)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	client.down = true
	_, err = wrapper.Unwrap(ctx, wc, wrapped)
	require.ErrorIs(t, err, interfaces.ErrStoreUnavailable)

	_, err = NewAWSKMSWrapper("", "eu-west-1", "")
	require.Error(t, err)
}
