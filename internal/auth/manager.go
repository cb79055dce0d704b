package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/adamscao/nodetrust/internal/errs"
	"github.com/adamscao/nodetrust/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Token kinds carried in the token_type claim
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 4 * time.Hour
	DefaultIssuer     = "nodetrust"
)

// CredentialStore is the view of the user credential store the token manager needs
type CredentialStore interface {
	Verify(username, password string) bool
	Get(username string) (*models.WebUser, error)
}

// TokenConfig configures a TokenManager. Exactly one of Secret or PrivateKey
// must be set.
type TokenConfig struct {
	Secret     string
	PrivateKey crypto.Signer
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Logger     *zap.Logger
	// Now overrides the clock, used by tests
	Now func() time.Time
}

// Claims are the JWT claims of access and refresh tokens
type Claims struct {
	jwt.RegisteredClaims
	Groups    []string `json:"groups"`
	TokenType string   `json:"token_type"`
}

// TokenPair is the result of a successful login
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type signingMaterial struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
}

// TokenManager issues and validates stateless access and refresh tokens.
// There is no server-side session table: a token is valid when its signature
// and expiry check out, and the only way to invalidate outstanding tokens is
// to rotate the signing material with RevokeAll.
type TokenManager struct {
	users      CredentialStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.RWMutex
	signing *signingMaterial
}

// NewTokenManager creates a token manager over users
func NewTokenManager(users CredentialStore, cfg TokenConfig) (*TokenManager, error) {
	if users == nil {
		return nil, errors.Wrap(errs.ErrConfiguration, "credential store is required")
	}

	signing, err := newSigningMaterial(cfg.Secret, cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	m := &TokenManager{
		users:      users,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		issuer:     cfg.Issuer,
		logger:     cfg.Logger,
		now:        cfg.Now,
		signing:    signing,
	}
	if m.accessTTL <= 0 {
		m.accessTTL = DefaultAccessTTL
	}
	if m.refreshTTL <= 0 {
		m.refreshTTL = DefaultRefreshTTL
	}
	if m.issuer == "" {
		m.issuer = DefaultIssuer
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m, nil
}

func newSigningMaterial(secret string, key crypto.Signer) (*signingMaterial, error) {
	switch {
	case secret == "" && key == nil:
		return nil, errors.Wrap(errs.ErrConfiguration, "must have either a tls private key or a web secret key specified")
	case secret != "" && key != nil:
		return nil, errors.Wrap(errs.ErrConfiguration, "must use either a tls private key or a web secret key, not both")
	case secret != "":
		return &signingMaterial{method: jwt.SigningMethodHS256, signKey: []byte(secret), verifyKey: []byte(secret)}, nil
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &signingMaterial{method: jwt.SigningMethodRS256, signKey: k, verifyKey: &k.PublicKey}, nil
	case *ecdsa.PrivateKey:
		return &signingMaterial{method: jwt.SigningMethodES256, signKey: k, verifyKey: &k.PublicKey}, nil
	case ed25519.PrivateKey:
		return &signingMaterial{method: jwt.SigningMethodEdDSA, signKey: k, verifyKey: k.Public()}, nil
	default:
		return nil, errors.Wrapf(errs.ErrConfiguration, "unsupported private key type %T", key)
	}
}

// Issue authenticates username and returns a fresh access/refresh token pair.
// totpCode is only checked for users that have a TOTP secret.
func (m *TokenManager) Issue(username, password, totpCode string) (*TokenPair, error) {
	if !m.users.Verify(username, password) {
		m.logger.Debug("login rejected", zap.String("username", username))
		return nil, errors.Wrap(errs.ErrUnauthorized, "invalid username or password")
	}

	user, err := m.users.Get(username)
	if err != nil {
		return nil, errors.Wrap(errs.ErrUnauthorized, "invalid username or password")
	}

	if user.TOTPSecret != "" && !ValidateTOTP(user.TOTPSecret, totpCode) {
		m.logger.Debug("login rejected, bad totp code", zap.String("username", username))
		return nil, errors.Wrap(errs.ErrUnauthorized, "invalid one-time code")
	}

	access, err := m.mint(username, user.Groups, KindAccess, m.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := m.mint(username, user.Groups, KindRefresh, m.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Refresh validates a refresh token and returns a new access token carrying
// the groups snapshot of the refresh token
func (m *TokenManager) Refresh(refreshToken string) (string, error) {
	claims, err := m.parse(refreshToken, KindRefresh)
	if err != nil {
		return "", err
	}

	if _, err := m.users.Get(claims.Subject); err != nil {
		return "", errors.Wrap(errs.ErrUnauthorized, "user no longer exists")
	}

	return m.mint(claims.Subject, claims.Groups, KindAccess, m.accessTTL)
}

// ValidateAccess validates an access token presented to a protected resource
func (m *TokenManager) ValidateAccess(accessToken string) (*Claims, error) {
	return m.parse(accessToken, KindAccess)
}

// RevokeAll replaces the signing material, invalidating every outstanding
// token. Exactly one of secret or key must be given.
func (m *TokenManager) RevokeAll(secret string, key crypto.Signer) error {
	signing, err := newSigningMaterial(secret, key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.signing = signing
	m.mu.Unlock()

	m.logger.Info("token signing material rotated", zap.String("alg", signing.method.Alg()))
	return nil
}

// AccessTTL returns the lifetime of access tokens
func (m *TokenManager) AccessTTL() time.Duration { return m.accessTTL }

// RefreshTTL returns the lifetime of refresh tokens
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *TokenManager) mint(subject string, groups []string, kind string, ttl time.Duration) (string, error) {
	now := m.now()
	if groups == nil {
		groups = []string{}
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Groups:    groups,
		TokenType: kind,
	}

	m.mu.RLock()
	signing := m.signing
	m.mu.RUnlock()

	token, err := jwt.NewWithClaims(signing.method, claims).SignedString(signing.signKey)
	if err != nil {
		return "", errors.Wrap(errs.ErrInternal, err.Error())
	}
	return token, nil
}

func (m *TokenManager) parse(tokenString, kind string) (*Claims, error) {
	m.mu.RLock()
	signing := m.signing
	m.mu.RUnlock()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return signing.verifyKey, nil },
		jwt.WithValidMethods([]string{signing.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			if kind == KindRefresh {
				return nil, errs.ErrRefreshTokenExpired
			}
			return nil, errs.ErrAccessTokenExpired
		}
		return nil, errors.Wrap(errs.ErrUnauthorized, "invalid token")
	}

	if claims.TokenType != kind {
		return nil, errors.Wrapf(errs.ErrUnauthorized, "expected %s token", kind)
	}

	return claims, nil
}
