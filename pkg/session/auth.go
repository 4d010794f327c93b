package session

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType represents the bridge authentication method
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeLegacy AuthType = "legacy"
	AuthTypeJWT    AuthType = "jwt"
)

// Authenticator adds credentials to the bridge handshake request
type Authenticator interface {
	AddAuthHeaders(header http.Header, method, host, path string) error
}

// Credentials for the bridge. Legacy auth uses key/secret/passphrase, JWT
// auth uses key name and an EC private key.
type Credentials struct {
	AuthType      AuthType
	APIKey        string
	APISecret     string
	Passphrase    string
	APIKeyName    string
	PrivateKeyPEM string
}

// NewAuthenticator picks the authenticator for creds.AuthType.
func NewAuthenticator(creds Credentials) (Authenticator, error) {
	switch creds.AuthType {
	case AuthTypeNone, "":
		return noAuth{}, nil
	case AuthTypeLegacy:
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, fmt.Errorf("legacy auth requires api key and secret")
		}
		return NewLegacyAuthenticator(creds.APIKey, creds.APISecret, creds.Passphrase), nil
	case AuthTypeJWT:
		return NewJWTAuthenticator(creds.APIKeyName, creds.PrivateKeyPEM)
	}
	return nil, fmt.Errorf("unknown auth type %q", creds.AuthType)
}

type noAuth struct{}

func (noAuth) AddAuthHeaders(http.Header, string, string, string) error { return nil }

// LegacyAuthenticator signs the handshake with an HMAC of timestamp, method and path
type LegacyAuthenticator struct {
	apiKey     string
	apiSecret  string
	passphrase string
	now        func() time.Time
}

func NewLegacyAuthenticator(apiKey, apiSecret, passphrase string) *LegacyAuthenticator {
	return &LegacyAuthenticator{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		now:        time.Now,
	}
}

func (l *LegacyAuthenticator) AddAuthHeaders(header http.Header, method, host, path string) error {
	timestamp := fmt.Sprintf("%d", l.now().Unix())
	signature := l.sign(method, path, timestamp)

	header.Set("FIXGW-ACCESS-KEY", l.apiKey)
	header.Set("FIXGW-ACCESS-SIGN", signature)
	header.Set("FIXGW-ACCESS-TIMESTAMP", timestamp)
	header.Set("FIXGW-ACCESS-PASSPHRASE", l.passphrase)

	return nil
}

func (l *LegacyAuthenticator) sign(method, path, timestamp string) string {
	return computeHMAC(timestamp+method+path, l.apiSecret)
}

func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// JWTAuthenticator sends a short lived ES256 bearer token
type JWTAuthenticator struct {
	apiKeyName string
	privateKey *ecdsa.PrivateKey
	ttl        time.Duration
}

func NewJWTAuthenticator(apiKeyName, privateKeyPEM string) (*JWTAuthenticator, error) {
	if apiKeyName == "" {
		return nil, fmt.Errorf("jwt auth requires an api key name")
	}

	// Parse the private key
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block containing the private key")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an EC private key")
		}
	}

	return &JWTAuthenticator{
		apiKeyName: apiKeyName,
		privateKey: privateKey,
		ttl:        2 * time.Minute,
	}, nil
}

func (j *JWTAuthenticator) AddAuthHeaders(header http.Header, method, host, path string) error {
	token, err := j.generateJWT(method, host, path)
	if err != nil {
		return fmt.Errorf("failed to generate JWT: %w", err)
	}

	header.Set("Authorization", "Bearer "+token)
	return nil
}

func (j *JWTAuthenticator) generateJWT(method, host, path string) (string, error) {
	nonce, err := generateNonce()
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   j.apiKeyName,
		"iss":   "fix-gateway",
		"nbf":   now.Unix(),
		"exp":   now.Add(j.ttl).Unix(),
		"uri":   method + " " + host + path,
		"nonce": nonce,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = j.apiKeyName
	token.Header["nonce"] = nonce

	tokenString, err := token.SignedString(j.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
