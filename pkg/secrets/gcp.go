package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source is anything that can resolve a secret by name.
type Source interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

var _ Source = (*GCPSecretManager)(nil)

// NewGCPSecretManager uses application default credentials unless
// credentialsFile names a service account key file.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

// SecretVersionName is the resource name of the latest version of a secret.
func SecretVersionName(projectID, secretName string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", projectID, secretName)
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	if secretName == "" {
		return "", fmt.Errorf("secret name is empty")
	}

	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: SecretVersionName(g.projectID, secretName),
	}

	result, err := g.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}

	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames maps bridge credentials to secret names.
type SecretNames struct {
	// legacy HMAC auth
	BridgeAPIKey     string `mapstructure:"bridge_api_key"`
	BridgeAPISecret  string `mapstructure:"bridge_api_secret"`
	BridgePassphrase string `mapstructure:"bridge_passphrase"`

	// JWT auth
	BridgeAPIKeyName string `mapstructure:"bridge_api_key_name"`
	BridgePrivateKey string `mapstructure:"bridge_private_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		BridgeAPIKey:     "fix-gateway-api-key",
		BridgeAPISecret:  "fix-gateway-api-secret",
		BridgePassphrase: "fix-gateway-passphrase",
		BridgeAPIKeyName: "fix-gateway-api-key-name",
		BridgePrivateKey: "fix-gateway-private-key",
	}
}
