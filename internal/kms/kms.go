// Package kms unwraps data keys with AWS KMS.
package kms

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/dativo-io/redact/internal/transform"
)

// ErrKMSInaccessible marks failures talking to KMS, as opposed to
// malformed input.
var ErrKMSInaccessible = errors.New("kms inaccessible")

// DecryptAPI is the subset of *kms.Client used here.
type DecryptAPI interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Unwrapper implements transform.KeyUnwrapper. The key name passed to
// Unwrap is a KMS key id, ARN or alias.
type Unwrapper struct {
	api DecryptAPI
}

var _ transform.KeyUnwrapper = (*Unwrapper)(nil)

// New wraps an existing client.
func New(api DecryptAPI) *Unwrapper {
	return &Unwrapper{api: api}
}

// NewFromRegion builds a KMS client from the default AWS credential chain.
// endpoint overrides the service URL (for localstack and similar); leave
// it empty for AWS.
func NewFromRegion(ctx context.Context, region, endpoint string) (*Unwrapper, error) {
	if region == "" {
		return nil, errors.New("aws kms region not specified")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%w: could not initialize an aws config: %v", ErrKMSInaccessible, err)
	}
	client := kms.NewFromConfig(cfg, func(o *kms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client), nil
}

// Unwrap decrypts blob with the named KMS key.
func (u *Unwrapper) Unwrap(ctx context.Context, keyName string, blob []byte) ([]byte, error) {
	if keyName == "" {
		return nil, errors.New("kms key name is required")
	}
	if len(blob) == 0 {
		return nil, errors.New("wrapped key is empty")
	}
	out, err := u.api.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(keyName),
		CiphertextBlob: blob,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt with %s: %v", ErrKMSInaccessible, keyName, err)
	}
	return out.Plaintext, nil
}
