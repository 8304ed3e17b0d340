// 包 auth：校验外部认证服务签发的身份令牌
// 约束：本服务从不签发令牌，只读取令牌中的 subject
package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"nijasafe/internal/apperr"
)

// ErrNoVerifier：未配置任何密钥材料
var ErrNoVerifier = errors.New("no token verifier configured")

// Verifier：校验 JWT 并返回其 subject
type Verifier struct {
	key  any
	opts []jwt.ParserOption
}

// NewHMAC：校验以共享密钥签名的 HS256/384/512 令牌
func NewHMAC(secret []byte, issuer, audience string) *Verifier {
	return newVerifier(secret, []string{"HS256", "HS384", "HS512"}, issuer, audience)
}

// NewPublicKey：按公钥类型校验 RS*/PS* 或 ES* 令牌
func NewPublicKey(pemData []byte, issuer, audience string) (*Verifier, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(pemData); err == nil {
		return newVerifier(k, []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}, issuer, audience), nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(pemData); err == nil {
		return newVerifier(k, []string{"ES256", "ES384", "ES512"}, issuer, audience), nil
	}
	return nil, errors.New("public key is neither RSA nor ECDSA PEM")
}

func newVerifier(key any, methods []string, issuer, audience string) *Verifier {
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{key: key, opts: opts}
}

// FromConfig：由共享密钥或公钥构建校验器；公钥可为内联 PEM 或 PEM 文件路径
func FromConfig(secret, publicKey, issuer, audience string) (*Verifier, error) {
	switch {
	case secret != "" && publicKey != "":
		return nil, errors.New("JWT_SECRET and JWT_PUBLIC_KEY are mutually exclusive")
	case secret != "":
		return NewHMAC([]byte(secret), issuer, audience), nil
	case publicKey != "":
		pemData := []byte(publicKey)
		if !strings.HasPrefix(strings.TrimSpace(publicKey), "-----BEGIN") {
			b, err := os.ReadFile(publicKey)
			if err != nil {
				return nil, fmt.Errorf("read public key: %w", err)
			}
			pemData = b
		}
		return NewPublicKey(pemData, issuer, audience)
	}
	return nil, ErrNoVerifier
}

// Verify：校验签名与过期时间，配置了 issuer/audience 时一并校验
func (v *Verifier) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch v.key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey, []byte:
			return v.key, nil
		}
		return nil, errors.New("unsupported key")
	}, v.opts...)
	if err != nil || !parsed.Valid {
		return "", apperr.Unauthorized("invalid token")
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", apperr.Unauthorized("token has no subject")
	}
	return sub, nil
}

// TokenFromRequest：依次读取 Authorization 头与 token 查询参数
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// UserHeader：可信网关写入的用户 ID 头
const UserHeader = "X-User-Id"

// Resolver：判定请求代表的用户
type Resolver struct {
	verifier    *Verifier
	trustHeader bool
}

// NewResolver：verifier 可为 nil
// 约束：既无校验器又不信任网关头时，身份由客户端自报
func NewResolver(v *Verifier, trustHeader bool) *Resolver {
	return &Resolver{verifier: v, trustHeader: trustHeader}
}

// Enforced：身份是否来自可验证来源
func (r *Resolver) Enforced() bool {
	return r != nil && (r.verifier != nil || r.trustHeader)
}

// Resolve：返回请求代表的用户，无身份时返回空串
// 约束：令牌校验失败返回 Unauthorized，不降级为匿名
func (r *Resolver) Resolve(req *http.Request) (string, error) {
	if r == nil {
		return "", nil
	}
	if r.verifier != nil {
		if tok := TokenFromRequest(req); tok != "" {
			return r.verifier.Verify(tok)
		}
	}
	if r.trustHeader {
		return strings.TrimSpace(req.Header.Get(UserHeader)), nil
	}
	return "", nil
}

func (r *Resolver) VerifyToken(token string) (string, error) {
	if r == nil || r.verifier == nil {
		return "", apperr.Unauthorized("token verification is not configured")
	}
	return r.verifier.Verify(token)
}
