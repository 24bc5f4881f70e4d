package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// testPayload はテスト用のリクエスト/レスポンスペイロード。
type testPayload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// TestNew はオプションが反映されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("デフォルトのタイムアウトが30秒であること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8081")
		if client.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want 30s", client.httpClient.Timeout)
		}
	})

	t.Run("WithTimeoutでタイムアウトを変更できること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8081", WithTimeout(3*time.Second))
		if client.httpClient.Timeout != 3*time.Second {
			t.Errorf("Timeout = %v, want 3s", client.httpClient.Timeout)
		}
	})
}

// TestPostJSON はPostJSON関数を検証する。
func TestPostJSON(t *testing.T) {
	t.Parallel()

	t.Run("JSONボディとヘッダーを送信してレスポンスを取得できること", func(t *testing.T) {
		t.Parallel()

		var (
			gotMethod string
			gotPath   string
			gotBody   []byte
			gotHeader http.Header
		)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotBody, _ = io.ReadAll(r.Body)
			gotHeader = r.Header
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(testPayload{Name: "response", Value: 201})
		}))
		defer ts.Close()

		client := New(ts.URL, WithBearerToken("service-token"))
		ctx := WithUserID(context.Background(), "user-1")
		var result testPayload
		if err := client.PostJSON(ctx, "/api/v1/events", testPayload{Name: "request", Value: 1}, &result); err != nil {
			t.Fatalf("PostJSON()でエラーが発生: %v", err)
		}

		if gotMethod != http.MethodPost {
			t.Errorf("Method = %q, want %q", gotMethod, http.MethodPost)
		}
		if gotPath != "/api/v1/events" {
			t.Errorf("Path = %q, want %q", gotPath, "/api/v1/events")
		}
		var sent testPayload
		if err := json.Unmarshal(gotBody, &sent); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if sent.Name != "request" {
			t.Errorf("sent Name = %q, want %q", sent.Name, "request")
		}
		if got := gotHeader.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if got := gotHeader.Get("Authorization"); got != "Bearer service-token" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer service-token")
		}
		if got := gotHeader.Get("X-User-ID"); got != "user-1" {
			t.Errorf("X-User-ID = %q, want %q", got, "user-1")
		}
		if result.Value != 201 {
			t.Errorf("result.Value = %d, want 201", result.Value)
		}
	})

	t.Run("シリアライズできないボディでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:0")
		if err := client.PostJSON(context.Background(), "/x", make(chan int), nil); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}

// TestGetJSON はGetJSON関数を検証する。
func TestGetJSON(t *testing.T) {
	t.Parallel()

	t.Run("GETリクエストにボディとContent-Typeが含まれないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			if len(body) != 0 {
				t.Errorf("GETリクエストにボディが含まれている: %s", body)
			}
			if got := r.Header.Get("Content-Type"); got != "" {
				t.Errorf("Content-Type = %q, want empty", got)
			}
			_ = json.NewEncoder(w).Encode(testPayload{Name: "list", Value: 3})
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/api/v1/lists/1", &result); err != nil {
			t.Fatalf("GetJSON()でエラーが発生: %v", err)
		}
		if result.Name != "list" {
			t.Errorf("result.Name = %q, want %q", result.Name, "list")
		}
	})

	t.Run("404はStatusErrorとして返りIsNotFoundで判定できること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer ts.Close()

		err := New(ts.URL).GetJSON(context.Background(), "/api/v1/lists/missing", nil)
		if !IsNotFound(err) {
			t.Fatalf("IsNotFound(%v) = false, want true", err)
		}
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("StatusErrorではない: %v", err)
		}
		if se.StatusCode != http.StatusNotFound {
			t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("500はIsNotFoundにならないこと", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		err := New(ts.URL).GetJSON(context.Background(), "/", nil)
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		if IsNotFound(err) {
			t.Error("500をNotFoundと判定してはいけない")
		}
	})

	t.Run("不正なJSONレスポンスでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("{invalid"))
		}))
		defer ts.Close()

		var result testPayload
		if err := New(ts.URL).GetJSON(context.Background(), "/", &result); err == nil {
			t.Error("エラーが返されるべき")
		}
	})

	t.Run("キャンセルされたコンテキストでエラーが返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := New(ts.URL).GetJSON(ctx, "/", nil); err == nil {
			t.Error("エラーが返されるべき")
		}
	})
}
