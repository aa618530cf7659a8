package auth

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/spanflow/config"
	"github.com/BaSui01/spanflow/types"
)

var (
	// ErrMissingCredentials 请求未携带凭证
	ErrMissingCredentials = errors.New("auth: missing credentials")
	// ErrInvalidCredentials 凭证无效或已过期
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Credentials 从传输层提取的原始凭证
type Credentials struct {
	// Authorization 头，"Bearer <jwt>" 或 "ApiKey <key>"
	Authorization string
	// X-API-Key 头
	APIKey string
}

type apiKeyEntry struct {
	key      []byte
	identity types.Identity
}

// Authenticator 把 JWT 或静态 API Key 解析为调用方身份
type Authenticator struct {
	keys       []apiKeyEntry
	jwtEnabled bool
	hmacSecret []byte
	rsaKey     *rsa.PublicKey
	parserOpts []jwt.ParserOption
	logger     *zap.Logger
}

// New 创建认证器。配置中的 UUID 已由 config.Validate 校验，这里仍会返回解析错误。
func New(jwtCfg config.JWTConfig, apiKeys []config.APIKeyConfig, logger *zap.Logger) (*Authenticator, error) {
	a := &Authenticator{
		jwtEnabled: jwtCfg.Enabled(),
		hmacSecret: []byte(jwtCfg.Secret),
		parserOpts: []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "RS256"})},
		logger:     logger.With(zap.String("component", "auth")),
	}

	if jwtCfg.PublicKey != "" {
		key, err := parseRSAPublicKey(jwtCfg.PublicKey)
		if err != nil {
			return nil, err
		}
		a.rsaKey = key
	}
	if jwtCfg.Issuer != "" {
		a.parserOpts = append(a.parserOpts, jwt.WithIssuer(jwtCfg.Issuer))
	}
	if jwtCfg.Audience != "" {
		a.parserOpts = append(a.parserOpts, jwt.WithAudience(jwtCfg.Audience))
	}

	for i, k := range apiKeys {
		id, err := identityFromStrings(k.OrganizationID, k.ProjectID, k.UserID)
		if err != nil {
			return nil, fmt.Errorf("api_keys[%d]: %w", i, err)
		}
		a.keys = append(a.keys, apiKeyEntry{key: []byte(k.Key), identity: id})
	}
	return a, nil
}

// Enabled 是否配置了任何认证方式
func (a *Authenticator) Enabled() bool {
	return a.jwtEnabled || len(a.keys) > 0
}

// Authenticate 校验凭证并把身份写入 ctx
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (context.Context, error) {
	scheme, value, _ := strings.Cut(strings.TrimSpace(creds.Authorization), " ")
	value = strings.TrimSpace(value)

	switch {
	case strings.EqualFold(scheme, "Bearer") && value != "":
		return a.authenticateJWT(ctx, value)
	case strings.EqualFold(scheme, "ApiKey") && value != "":
		return a.authenticateAPIKey(ctx, value)
	case creds.APIKey != "":
		return a.authenticateAPIKey(ctx, creds.APIKey)
	case creds.Authorization != "":
		return ctx, ErrInvalidCredentials
	default:
		return ctx, ErrMissingCredentials
	}
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) (context.Context, error) {
	// 逐个常量时间比较
	var (
		found    bool
		identity types.Identity
	)
	for _, entry := range a.keys {
		if subtle.ConstantTimeCompare(entry.key, []byte(key)) == 1 {
			found = true
			identity = entry.identity
		}
	}
	if !found {
		return ctx, ErrInvalidCredentials
	}
	return types.WithIdentity(ctx, identity), nil
}

func (a *Authenticator) authenticateJWT(ctx context.Context, raw string) (context.Context, error) {
	if !a.jwtEnabled {
		return ctx, ErrInvalidCredentials
	}

	token, err := jwt.Parse(raw, a.keyFunc, a.parserOpts...)
	if err != nil {
		a.logger.Debug("JWT validation failed", zap.Error(err))
		return ctx, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return ctx, ErrInvalidCredentials
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		userID, _ = claims.GetSubject()
	}
	orgID, _ := claims["organization_id"].(string)
	projectID, _ := claims["project_id"].(string)

	identity, err := identityFromStrings(orgID, projectID, userID)
	if err != nil {
		a.logger.Debug("JWT identity claims invalid", zap.Error(err))
		return ctx, ErrInvalidCredentials
	}
	ctx = types.WithIdentity(ctx, identity)

	if rolesRaw, ok := claims["roles"].([]any); ok {
		roles := make([]string, 0, len(rolesRaw))
		for _, r := range rolesRaw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
		if len(roles) > 0 {
			ctx = types.WithRoles(ctx, roles)
		}
	}
	return ctx, nil
}

func (a *Authenticator) keyFunc(token *jwt.Token) (any, error) {
	switch token.Method.Alg() {
	case "HS256":
		if len(a.hmacSecret) == 0 {
			return nil, fmt.Errorf("HMAC secret not configured")
		}
		return a.hmacSecret, nil
	case "RS256":
		if a.rsaKey == nil {
			return nil, fmt.Errorf("RSA public key not configured")
		}
		return a.rsaKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
	}
}

// identityFromStrings 组织与项目必填，用户可为空
func identityFromStrings(org, project, user string) (types.Identity, error) {
	var (
		id  types.Identity
		err error
	)
	if id.OrganizationID, err = uuid.Parse(org); err != nil {
		return id, fmt.Errorf("invalid organization_id: %w", err)
	}
	if id.ProjectID, err = uuid.Parse(project); err != nil {
		return id, fmt.Errorf("invalid project_id: %w", err)
	}
	if user != "" {
		if id.UserID, err = uuid.Parse(user); err != nil {
			return id, fmt.Errorf("invalid user_id: %w", err)
		}
	}
	return id, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("auth: failed to decode PEM block for RSA public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse RSA public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not RSA")
	}
	return key, nil
}
