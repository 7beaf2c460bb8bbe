package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// secretsManagerAPI is the subset of the Secrets Manager client we use,
// extracted so tests can substitute a fake.
type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager resolves credential references that are AWS Secrets Manager
// ARNs (or names). Used when the platform runs with a cloud KMS-backed store.
type SecretsManager struct {
	client secretsManagerAPI
}

// NewSecretsManager creates a Secrets Manager backed decrypter using the
// default credential chain (IAM roles, env vars) or explicit static keys.
func NewSecretsManager(ctx context.Context, region, accessKey, secretKey string) (*SecretsManager, error) {
	var awsCfg aws.Config
	var err error

	if accessKey != "" && secretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				accessKey,
				secretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SecretsManager{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

// Decrypt fetches the secret value the reference points at.
func (d *SecretsManager) Decrypt(ctx context.Context, ref string) (string, error) {
	out, err := d.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch secret: %w", err)
	}

	if out.SecretString == nil {
		return "", fmt.Errorf("secret has no string value")
	}

	return *out.SecretString, nil
}
