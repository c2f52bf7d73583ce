package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/awnumar/memguard"
	"github.com/ruteri/device-keyvault/cryptoutils"
	"github.com/ruteri/device-keyvault/interfaces"
)

// WrapContext binds wrapped key material to the record it belongs to,
// so a wrapped key cannot be moved to another alias or record.
type WrapContext struct {
	Alias interfaces.KeyAlias
	KeyID string
}

func (c WrapContext) additionalData() []byte {
	return []byte("device-keyvault/key:" + c.Alias.String() + ":" + c.KeyID)
}

func (c WrapContext) encryptionContext() map[string]*string {
	return aws.StringMap(map[string]string{
		"alias":  c.Alias.String(),
		"key_id": c.KeyID,
	})
}

// KeyWrapper seals key material before a store persists it.
type KeyWrapper interface {
	// Wrap encrypts key for storage.
	Wrap(ctx context.Context, wc WrapContext, key []byte) ([]byte, error)

	// Unwrap recovers key material. A wrong secret or altered record yields ErrAuthenticationFailure.
	Unwrap(ctx context.Context, wc WrapContext, wrapped []byte) ([]byte, error)

	// Name returns identifier for logging.
	Name() string
}

// PassphraseWrapper wraps keys under an argon2id-stretched passphrase.
type PassphraseWrapper struct {
	passphrase *memguard.Enclave
	params     cryptoutils.Argon2Params
}

// NewPassphraseWrapper creates a wrapper from passphrase. The passphrase slice is wiped.
func NewPassphraseWrapper(passphrase []byte) (*PassphraseWrapper, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return &PassphraseWrapper{
		passphrase: memguard.NewEnclave(passphrase),
		params:     cryptoutils.DefaultArgon2Params,
	}, nil
}

// WithArgon2Params creates a new PassphraseWrapper with the specified cost parameters.
// Tests use cheap parameters; production keeps the defaults.
func (w *PassphraseWrapper) WithArgon2Params(params cryptoutils.Argon2Params) *PassphraseWrapper {
	return &PassphraseWrapper{passphrase: w.passphrase, params: params}
}

func (w *PassphraseWrapper) Wrap(ctx context.Context, wc WrapContext, key []byte) ([]byte, error) {
	buf, err := w.passphrase.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open passphrase enclave: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer buf.Destroy()

	return cryptoutils.SealWithPassphrase(buf.Bytes(), key, wc.additionalData(), w.params)
}

func (w *PassphraseWrapper) Unwrap(ctx context.Context, wc WrapContext, wrapped []byte) ([]byte, error) {
	buf, err := w.passphrase.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open passphrase enclave: %v", interfaces.ErrStoreUnavailable, err)
	}
	defer buf.Destroy()

	return cryptoutils.OpenWithPassphrase(buf.Bytes(), wrapped, wc.additionalData(), w.params)
}

// Name returns a unique identifier for this wrapper.
func (w *PassphraseWrapper) Name() string {
	return "passphrase"
}

// AWSKMSWrapper wraps keys with an AWS KMS customer master key.
// The KMS key never leaves AWS; the alias and key ID are bound as encryption context.
type AWSKMSWrapper struct {
	client kmsiface.KMSAPI
	keyID  string
}

// NewAWSKMSWrapper creates a wrapper for the KMS key keyID (key ID, ARN or alias/...).
// Credentials are resolved by the default AWS chain.
func NewAWSKMSWrapper(keyID, region, endpoint string) (*AWSKMSWrapper, error) {
	if keyID == "" {
		return nil, errors.New("empty KMS key id")
	}

	cfg := aws.Config{}
	if region != "" {
		cfg.Region = aws.String(region)
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &AWSKMSWrapper{client: kms.New(sess), keyID: keyID}, nil
}

// WithClient creates a new AWSKMSWrapper using the provided KMS client.
func (w *AWSKMSWrapper) WithClient(client kmsiface.KMSAPI) *AWSKMSWrapper {
	return &AWSKMSWrapper{client: client, keyID: w.keyID}
}

func (w *AWSKMSWrapper) Wrap(ctx context.Context, wc WrapContext, key []byte) ([]byte, error) {
	out, err := w.client.EncryptWithContext(ctx, &kms.EncryptInput{
		KeyId:             aws.String(w.keyID),
		Plaintext:         key,
		EncryptionContext: wc.encryptionContext(),
	})
	if err != nil {
		return nil, mapKMSError(err)
	}
	return out.CiphertextBlob, nil
}

func (w *AWSKMSWrapper) Unwrap(ctx context.Context, wc WrapContext, wrapped []byte) ([]byte, error) {
	out, err := w.client.DecryptWithContext(ctx, &kms.DecryptInput{
		KeyId:             aws.String(w.keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: wc.encryptionContext(),
	})
	if err != nil {
		return nil, mapKMSError(err)
	}
	return out.Plaintext, nil
}

// Name returns a unique identifier for this wrapper.
func (w *AWSKMSWrapper) Name() string {
	return "awskms"
}

// mapKMSError separates ciphertext/context mismatches from KMS being unreachable.
func mapKMSError(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case kms.ErrCodeInvalidCiphertextException, kms.ErrCodeIncorrectKeyException:
			return fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
		}
	}
	return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
}
