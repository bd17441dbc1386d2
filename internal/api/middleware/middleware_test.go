package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"tradecore/pkg/crypto"
	"tradecore/pkg/utils"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestBearerAuth(t *testing.T) {
	hash, err := crypto.HashTokenWithCost("secret-token", 4)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		hash   string
		header string
		want   int
	}{
		{"valid token", hash, "Bearer secret-token", http.StatusOK},
		{"case-insensitive scheme", hash, "bearer secret-token", http.StatusOK},
		{"wrong token", hash, "Bearer other", http.StatusUnauthorized},
		{"missing header", hash, "", http.StatusUnauthorized},
		{"basic scheme", hash, "Basic c2VjcmV0", http.StatusUnauthorized},
		{"token not configured", "", "Bearer secret-token", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := BearerAuth(tt.hash, utils.NewNop())(okHandler)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/signals", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS("https://ops.example.com")(okHandler)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantOrigin string
	}{
		{"allowed origin", http.MethodGet, "https://ops.example.com", http.StatusOK, "https://ops.example.com"},
		{"foreign origin", http.MethodGet, "https://evil.example.com", http.StatusOK, ""},
		{"no origin", http.MethodGet, "", http.StatusOK, "*"},
		{"preflight", http.MethodOptions, "https://ops.example.com", http.StatusNoContent, "https://ops.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/positions", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	h := Recovery(utils.NewNop())(Logging(utils.NewNop())(panicky))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestLogging_CapturesStatus(t *testing.T) {
	var seen *responseWriter
	h := Logging(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = w.(*responseWriter)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == nil || seen.statusCode != http.StatusTeapot || seen.written != 5 {
		t.Errorf("captured = %+v", seen)
	}
}
