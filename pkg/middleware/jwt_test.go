package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/notify/pkg/event"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// user7 はテストで使う通知先。
var user7 = event.Recipient{Type: event.SubjectUser, ID: 7}

// newAuthRouter はSubjectAuth付きのテスト用ルーターを生成する。
// ハンドラーが呼ばれた場合は取得した通知先をcapturedに記録する。
func newAuthRouter(captured *event.Recipient, called *bool) *gin.Engine {
	router := gin.New()
	router.Use(SubjectAuth(testSecret))
	router.GET("/test", func(c *gin.Context) {
		if called != nil {
			*called = true
		}
		if r, ok := GetRecipient(c); ok && captured != nil {
			*captured = r
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// signClaims は任意のクレームでトークンを署名する。
func signClaims(t *testing.T, method jwt.SigningMethod, claims jwt.Claims, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return s
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("通知先がクレームに含まれること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, user7, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.SubjectType != "user" || claims.SubjectID != 7 {
			t.Errorf("クレーム = %s/%d, want user/7", claims.SubjectType, claims.SubjectID)
		}
		if claims.Subject != "user:7" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "user:7")
		}
		if claims.Issuer != "notify" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "notify")
		}
	})

	t.Run("有効期限がTTL後であること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, user7, 2*time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims := &JWTClaims{}
		if _, _, err := new(jwt.Parser).ParseUnverified(tokenStr, claims); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		expected := before.Add(2 * time.Hour)
		if d := claims.ExpiresAt.Time.Sub(expected); d < -time.Minute || d > time.Minute {
			t.Errorf("ExpiresAt = %v, want 約 %v", claims.ExpiresAt.Time, expected)
		}
	})
}

// TestVerifyJWT はトークン検証を検証する。
func TestVerifyJWT(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンを通知先に解決できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, event.Recipient{Type: event.SubjectCustomer, ID: 55}, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		r, err := VerifyJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("VerifyJWT()でエラーが発生: %v", err)
		}
		if r != (event.Recipient{Type: event.SubjectCustomer, ID: 55}) {
			t.Errorf("VerifyJWT() = %+v", r)
		}
	})

	t.Run("不正なトークンはErrUnauthorizedになること", func(t *testing.T) {
		t.Parallel()

		expired := signClaims(t, jwt.SigningMethodHS256, JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
			SubjectType:      "user",
			SubjectID:        7,
		}, []byte(testSecret))
		noExpiry := signClaims(t, jwt.SigningMethodHS256, JWTClaims{SubjectType: "user", SubjectID: 7}, []byte(testSecret))
		badSubject := signClaims(t, jwt.SigningMethodHS256, JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			SubjectType:      "role",
			SubjectID:        7,
		}, []byte(testSecret))
		wrongSecret, err := GenerateJWT("different-secret", user7, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		hs512 := signClaims(t, jwt.SigningMethodHS512, JWTClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
			SubjectType:      "user",
			SubjectID:        7,
		}, []byte(testSecret))

		cases := map[string]string{
			"期限切れ":       expired,
			"有効期限なし":     noExpiry,
			"未知の主体種別":    badSubject,
			"異なるシークレット":  wrongSecret,
			"想定外のアルゴリズム": hs512,
			"形式不正":       "invalid-token-string",
		}
		for name, tok := range cases {
			if _, err := VerifyJWT(testSecret, tok); err == nil {
				t.Errorf("%s: VerifyJWT()がエラーを返すべき", name)
			}
		}
	})
}

// TestSubjectAuth はSubjectAuthミドルウェアを検証する。
func TestSubjectAuth(t *testing.T) {
	t.Parallel()

	t.Run("Bearerトークンで通知先がコンテキストに設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, user7, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured event.Recipient
		router := newAuthRouter(&captured, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured != user7 {
			t.Errorf("通知先 = %+v, want %+v", captured, user7)
		}
	})

	t.Run("セッションCookieでも認証できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, user7, time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured event.Recipient
		router := newAuthRouter(&captured, nil)
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tokenStr})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured != user7 {
			t.Errorf("通知先 = %+v, want %+v", captured, user7)
		}
	})

	t.Run("認証失敗時は401でハンドラーが実行されないこと", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name      string
			setup     func(r *http.Request)
			wantError string
		}{
			{
				name:      "資格情報なし",
				setup:     func(_ *http.Request) {},
				wantError: "認証情報が必要です",
			},
			{
				name:      "Bearer接頭辞なし",
				setup:     func(r *http.Request) { r.Header.Set("Authorization", "Token abc") },
				wantError: "Bearer トークン形式が不正です",
			},
			{
				name:      "無効なトークン",
				setup:     func(r *http.Request) { r.Header.Set("Authorization", "Bearer invalid") },
				wantError: "トークンが無効です",
			},
			{
				name: "無効なCookie",
				setup: func(r *http.Request) {
					r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "garbage"})
				},
				wantError: "トークンが無効です",
			},
		}

		for _, tt := range tests {
			called := false
			router := newAuthRouter(nil, &called)
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			tt.setup(req)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("%s: ステータスコード = %d, want %d", tt.name, w.Code, http.StatusUnauthorized)
			}
			if called {
				t.Errorf("%s: ハンドラーが呼ばれるべきではない", tt.name)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("%s: error = %q, want %q", tt.name, body["error"], tt.wantError)
			}
		}
	})
}

// TestGetRecipient はGetRecipient関数を検証する。
func TestGetRecipient(t *testing.T) {
	t.Parallel()

	t.Run("設定されていない場合はfalseを返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if _, ok := GetRecipient(c); ok {
			t.Error("GetRecipient()がtrueを返した")
		}
		c.Set("recipient", "user:7")
		if _, ok := GetRecipient(c); ok {
			t.Error("型が異なるのにGetRecipient()がtrueを返した")
		}
	})

	t.Run("SetRecipientで設定した値を取得できること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		SetRecipient(c, user7)
		if r, ok := GetRecipient(c); !ok || r != user7 {
			t.Errorf("GetRecipient() = %+v, %v", r, ok)
		}
	})
}

// TestInternalAuth はInternalAuthミドルウェアを検証する。
func TestInternalAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{name: "一致するトークンは通過すること", configured: "s3cret", header: "s3cret", wantStatus: http.StatusOK},
		{name: "異なるトークンは401になること", configured: "s3cret", header: "nope", wantStatus: http.StatusUnauthorized},
		{name: "ヘッダーなしは401になること", configured: "s3cret", header: "", wantStatus: http.StatusUnauthorized},
		{name: "未設定の場合は常に401になること", configured: "", header: "", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router := gin.New()
			router.Use(InternalAuth(tt.configured))
			router.POST("/internal", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/internal", nil)
			if tt.header != "" {
				req.Header.Set(InternalTokenHeader, tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}
