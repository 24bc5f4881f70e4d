package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("正常にJWTトークンを生成できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", "test@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil || !token.Valid {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.Subject != "user-123" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "user-123")
		}
		if claims.Issuer != "tabelist" {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, "tabelist")
		}
	})

	t.Run("有効期限がttl後に設定されること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, "user-exp", "", 2*time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims := &JWTClaims{}
		if _, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		}); err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		exp := claims.ExpiresAt.Time
		if exp.Before(before.Add(2*time.Hour-time.Second)) || exp.After(time.Now().Add(2*time.Hour+time.Second)) {
			t.Errorf("ExpiresAt = %v, want 約2時間後", exp)
		}
	})

	t.Run("ユーザーIDが空の場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := GenerateJWT(testSecret, "", "", time.Hour); err == nil {
			t.Fatal("空のユーザーIDでエラーが返されなかった")
		}
	})
}

// newAuthRouter はJWTAuthを適用したテスト用ルーターを返す。
func newAuthRouter() *gin.Engine {
	r := gin.New()
	r.GET("/me", JWTAuth(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetUserID(c)})
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	t.Parallel()

	valid, err := GenerateJWT(testSecret, "user-1", "u1@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	expired, err := GenerateJWT(testSecret, "user-1", "u1@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}
	otherSecret, err := GenerateJWT("another-secret", "user-1", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
	}

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUserID string
	}{
		{name: "Bearerヘッダーで認証できること", header: "Bearer " + valid, wantStatus: http.StatusOK, wantUserID: "user-1"},
		{name: "access_tokenクエリで認証できること", query: "?access_token=" + valid, wantStatus: http.StatusOK, wantUserID: "user-1"},
		{name: "トークンがない場合は401になること", wantStatus: http.StatusUnauthorized},
		{name: "Bearer形式でない場合は401になること", header: "Token " + valid, wantStatus: http.StatusUnauthorized},
		{name: "期限切れトークンは401になること", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "署名が異なるトークンは401になること", header: "Bearer " + otherSecret, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newAuthRouter()
			req := httptest.NewRequest(http.MethodGet, "/me"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスのデコードに失敗: %v", err)
			}
			if body["user_id"] != tt.wantUserID {
				t.Errorf("user_id = %q, want %q", body["user_id"], tt.wantUserID)
			}
			if got := w.Header().Get("X-User-ID"); got != tt.wantUserID {
				t.Errorf("X-User-ID = %q, want %q", got, tt.wantUserID)
			}
		})
	}
}

func TestGetUserID(t *testing.T) {
	t.Parallel()

	t.Run("未設定の場合は空文字列を返すこと", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != "" {
			t.Errorf("GetUserID() = %q, want 空文字列", got)
		}
	})
}
