package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Claims struct {
	UserID      uint   `json:"uid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// Principal 是签发凭证的目标用户。
type Principal struct {
	UserID      uint
	DisplayName string
}

// AccessCredential 是签名后的 access token 及其过期时间。
type AccessCredential struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer 负责签发和校验 access / refresh 凭证。
type Issuer struct {
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations RevocationStore
	ledger      *RefreshLedger
	now         func() time.Time
}

type IssuerOption func(*Issuer)

// WithClock 替换 time.Now，测试使用。
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, revocations RevocationStore, ledger *RefreshLedger, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		secret:      []byte(secret),
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		revocations: revocations,
		ledger:      ledger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// IssueAccess 为 p 签发短期 access token。
func (i *Issuer) IssueAccess(p Principal) (AccessCredential, error) {
	now := i.now()
	exp := now.Add(i.accessTTL)
	claims := Claims{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(p.UserID), 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return AccessCredential{}, err
	}
	return AccessCredential{Token: signed, ExpiresAt: exp}, nil
}

// IssueRefresh 为 userID 生成新的 refresh 凭证并替换旧的，原始值只在这里返回一次。
func (i *Issuer) IssueRefresh(ctx context.Context, userID uint) (string, error) {
	raw, err := GenerateRefreshToken()
	if err != nil {
		return "", err
	}
	if err := i.ledger.Replace(ctx, userID, HashRefreshToken(raw), i.now().Add(i.refreshTTL)); err != nil {
		return "", err
	}
	return raw, nil
}

// ValidateAccess 依次校验签名、过期时间和吊销列表。吊销查询失败时拒绝该 token。
func (i *Issuer) ValidateAccess(ctx context.Context, token string) (*Claims, error) {
	claims, err := i.parse(token)
	if err != nil {
		metrics.CredentialValidations.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	revoked, err := i.revocations.Exists(ctx, token)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", claims.UserID).Msg("revocation lookup failed, rejecting token")
		metrics.CredentialValidations.WithLabelValues(string(apperr.CodeUnauthenticated)).Inc()
		return nil, apperr.Wrap(apperr.CodeUnauthenticated, "revocation status unavailable", err)
	}
	if revoked {
		metrics.CredentialValidations.WithLabelValues(string(apperr.CodeCredentialRevoked)).Inc()
		return nil, apperr.ErrCredentialRevoked
	}
	metrics.CredentialValidations.WithLabelValues("OK").Inc()
	return claims, nil
}

// RotateAccess 用 refresh 凭证换取新的 access token，refresh 凭证本身保持不变。
// 任何校验失败都会作废 refresh 会话，并统一返回 CredentialExpired，不透露具体原因。
func (i *Issuer) RotateAccess(ctx context.Context, raw string, p Principal) (AccessCredential, error) {
	row, err := i.ledger.Lookup(ctx, p.UserID)
	if err != nil {
		return AccessCredential{}, err
	}
	if row == nil {
		return AccessCredential{}, apperr.ErrCredentialExpired
	}
	expired := !i.now().Before(row.ExpiresAt)
	mismatch := subtle.ConstantTimeCompare([]byte(HashRefreshToken(raw)), []byte(row.TokenHash)) != 1
	if expired || mismatch {
		if err := i.ledger.Delete(ctx, p.UserID); err != nil {
			return AccessCredential{}, err
		}
		log.Info().Uint("user_id", p.UserID).Bool("expired", expired).Msg("refresh session voided")
		return AccessCredential{}, apperr.ErrCredentialExpired
	}
	return i.IssueAccess(p)
}

// Revoke 在剩余有效期内把仍有效的 access token 加入黑名单，无法校验或已过期的 token 直接跳过。
func (i *Issuer) Revoke(ctx context.Context, token string) error {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation())
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(i.now())
	if ttl <= 0 {
		return nil
	}
	return i.revocations.Put(ctx, token, ttl)
}

// EndSession 吊销 access token 并删除用户的 refresh 凭证，用于登出和注销账户。
func (i *Issuer) EndSession(ctx context.Context, token string, userID uint) error {
	if err := i.Revoke(ctx, token); err != nil {
		return err
	}
	return i.ledger.Delete(ctx, userID)
}

func (i *Issuer) parse(token string) (*Claims, error) {
	if token == "" {
		return nil, apperr.ErrInvalidCredential
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.CodeCredentialExpired, "credential expired", err)
		}
		return nil, apperr.Wrap(apperr.CodeInvalidCredential, "invalid credential", err)
	}
	if !parsed.Valid || claims.UserID == 0 {
		return nil, apperr.ErrInvalidCredential
	}
	return &claims, nil
}

func (i *Issuer) keyFunc(*jwt.Token) (interface{}, error) {
	return i.secret, nil
}

// GenerateRefreshToken 返回 32 字节随机数的十六进制编码。
func GenerateRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashRefreshToken 返回存入台账的单向哈希。
func HashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
