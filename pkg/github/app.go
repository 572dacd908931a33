package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	// appJWTLifetime is how long App JWTs are valid. GitHub rejects JWTs
	// with expiration longer than 10 minutes.
	appJWTLifetime = 10 * time.Minute

	// tokenRefreshBuffer triggers a refresh this long before the
	// installation token's 1-hour expiry.
	tokenRefreshBuffer = 5 * time.Minute
)

// AppTokenSource mints GitHub App installation tokens and caches them until
// shortly before expiry.
type AppTokenSource struct {
	appID          string
	installationID int64
	privateKey     *rsa.PrivateKey

	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// AppOption configures an AppTokenSource.
type AppOption func(*AppTokenSource)

// WithBaseURL points the source at a non-default API endpoint (GitHub
// Enterprise, test servers).
func WithBaseURL(url string) AppOption {
	return func(s *AppTokenSource) {
		s.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) AppOption {
	return func(s *AppTokenSource) {
		s.httpClient = client
	}
}

// WithNow overrides the clock, for expiry tests.
func WithNow(fn func() time.Time) AppOption {
	return func(s *AppTokenSource) {
		s.now = fn
	}
}

// NewAppTokenSource creates a token source for the given App credentials.
// The private key is parsed eagerly so misconfiguration fails at startup.
func NewAppTokenSource(appID string, installationID int64, privateKeyPEM []byte, opts ...AppOption) (*AppTokenSource, error) {
	if appID == "" {
		return nil, fmt.Errorf("app ID cannot be empty")
	}
	if installationID <= 0 {
		return nil, fmt.Errorf("installation ID must be positive")
	}

	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse App private key: %w", err)
	}

	s := &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		baseURL:        "https://api.github.com",
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		now:            time.Now,
		logger:         slog.Default().With("component", "github.tokens"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Token returns a valid installation token, refreshing when the cached one
// is missing or inside the refresh buffer.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.expiresAt.After(s.now().Add(tokenRefreshBuffer)) {
		return s.token, nil
	}
	return s.refreshLocked(ctx)
}

// refreshLocked mints a new App JWT and exchanges it for an installation
// token. Caller must hold s.mu.
func (s *AppTokenSource) refreshLocked(ctx context.Context) (string, error) {
	appJWT, err := s.signJWT()
	if err != nil {
		return "", fmt.Errorf("failed to sign App JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.baseURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", exchangeError(resp.StatusCode, body)
	}

	var installation struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &installation); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}

	s.token = installation.Token
	s.expiresAt = installation.ExpiresAt
	s.logger.Debug("Installation token refreshed", "expires_at", s.expiresAt)

	return s.token, nil
}

// signJWT creates a short-lived JWT authenticating as the App itself.
func (s *AppTokenSource) signJWT() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.privateKey)
}

// parsePrivateKey handles both PKCS#1 (RSA PRIVATE KEY) and PKCS#8
// (PRIVATE KEY) PEM blocks, the two formats GitHub hands out.
func parsePrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func exchangeError(statusCode int, body []byte) error {
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
		return fmt.Errorf("token exchange failed (status %d): %s", statusCode, string(body))
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("token exchange unauthorized: %s (check App ID and private key)", apiErr.Message)
	case http.StatusNotFound:
		return fmt.Errorf("token exchange failed: %s (check installation ID)", apiErr.Message)
	default:
		return fmt.Errorf("token exchange failed (status %d): %s", statusCode, apiErr.Message)
	}
}
