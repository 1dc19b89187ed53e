package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/notify/pkg/event"
)

// SessionCookieName はブラウザのEventSourceが送る認証Cookieの名前。
// EventSourceは任意のヘッダーを付けられないため、ストリーム接続ではCookieで資格情報を運ぶ。
const SessionCookieName = "notify_session"

// contextKeyRecipient はGinコンテキストに認証済みの通知先を格納するキー。
const contextKeyRecipient = "recipient"

// issuer はトークンの発行者名。
const issuer = "notify"

// ErrUnauthorized は資格情報が無い、または検証できないことを表す。
var ErrUnauthorized = errors.New("認証に失敗しました")

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// SubjectType は主体の種別（user または customer）。
	SubjectType string `json:"subject_type"`
	// SubjectID は主体の識別子。
	SubjectID int64 `json:"subject_id"`
}

// GenerateJWT は通知先の情報からJWTトークンを生成する。
func GenerateJWT(secret string, r event.Recipient, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   r.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		SubjectType: string(r.Type),
		SubjectID:   r.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// VerifyJWT はトークンを検証し、ちょうど1つの通知先に解決する。
func VerifyJWT(secret, tokenString string) (event.Recipient, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return event.Recipient{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	r, err := event.NewRecipient(claims.SubjectType, claims.SubjectID)
	if err != nil {
		return event.Recipient{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return r, nil
}

// credentialFrom はAuthorizationヘッダー、無ければセッションCookieからトークンを取り出す。
func credentialFrom(c *gin.Context) (string, error) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			return "", errors.New("Bearer トークン形式が不正です")
		}
		return tokenString, nil
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil && cookie != "" {
		return cookie, nil
	}
	return "", errors.New("認証情報が必要です")
}

// SubjectAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合のみコンテキストに通知先を設定し、失敗時は後続の処理を一切実行しない。
func SubjectAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := credentialFrom(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		r, err := VerifyJWT(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "トークンが無効です"})
			return
		}

		c.Set(contextKeyRecipient, r)
		c.Next()
	}
}

// GetRecipient はGinコンテキストから認証済みの通知先を取得する。
// SubjectAuthミドルウェアが事前に適用されている必要がある。
func GetRecipient(c *gin.Context) (event.Recipient, bool) {
	v, ok := c.Get(contextKeyRecipient)
	if !ok {
		return event.Recipient{}, false
	}
	r, ok := v.(event.Recipient)
	return r, ok
}

// SetRecipient はコンテキストに通知先を設定する。テストや内部呼び出しで使う。
func SetRecipient(c *gin.Context, r event.Recipient) {
	c.Set(contextKeyRecipient, r)
}

// InternalTokenHeader は内部APIの呼び出し元が付与するヘッダー。
const InternalTokenHeader = "X-Internal-Token"

// InternalAuth は内部API用の共有トークンを検証するGinミドルウェアを返す。
// トークンが未設定の場合は全リクエストを拒否する。
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(InternalTokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "内部APIトークンが無効です"})
			return
		}
		c.Next()
	}
}
