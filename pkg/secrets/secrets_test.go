package secrets

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestAESGCM_RoundTrip(t *testing.T) {
	d, err := NewAESGCM(testKey(t))
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	nonce := make([]byte, 12)
	copy(nonce, "unique-nonce")

	ref, err := d.Encrypt("s3cret-db-password", nonce)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	plaintext, err := d.Decrypt(context.Background(), ref)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	if plaintext != "s3cret-db-password" {
		t.Errorf("Expected round-tripped plaintext, got %q", plaintext)
	}
}

func TestAESGCM_RejectsBadKey(t *testing.T) {
	if _, err := NewAESGCM("not-base64!!"); err == nil {
		t.Error("Expected error for non-base64 key")
	}

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := NewAESGCM(short); err == nil {
		t.Error("Expected error for wrong-length key")
	}
}

func TestAESGCM_RejectsTamperedCiphertext(t *testing.T) {
	d, err := NewAESGCM(testKey(t))
	if err != nil {
		t.Fatalf("NewAESGCM failed: %v", err)
	}

	nonce := make([]byte, 12)
	ref, err := d.Encrypt("password", nonce)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ref)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := d.Decrypt(context.Background(), tampered); err == nil {
		t.Error("Expected error for tampered ciphertext")
	}
}

type fakeSecretsManager struct {
	values map[string]string
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, context.Canceled
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestSecretsManager_Decrypt(t *testing.T) {
	d := &SecretsManager{client: &fakeSecretsManager{
		values: map[string]string{
			"arn:aws:secretsmanager:us-east-1:1:secret:db-eu1": "regional-password",
		},
	}}

	v, err := d.Decrypt(context.Background(), "arn:aws:secretsmanager:us-east-1:1:secret:db-eu1")
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if v != "regional-password" {
		t.Errorf("Expected regional-password, got %q", v)
	}

	if _, err := d.Decrypt(context.Background(), "missing"); err == nil {
		t.Error("Expected error for unknown secret")
	}
}
