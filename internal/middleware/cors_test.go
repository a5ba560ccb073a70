package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORS([]string{"http://localhost:5173"})(next)

	tests := []struct {
		name        string
		method      string
		origin      string
		wantCode    int
		wantAllowed bool
	}{
		{"allowed origin", http.MethodGet, "http://localhost:5173", http.StatusTeapot, true},
		{"unknown origin", http.MethodGet, "http://evil.example", http.StatusTeapot, false},
		{"preflight short-circuits", http.MethodOptions, "http://localhost:5173", http.StatusOK, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/publish", nil)
			req.Header.Set("Origin", tc.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, rec.Code)
			}
			got := rec.Header().Get("Access-Control-Allow-Origin") == tc.origin
			if got != tc.wantAllowed {
				t.Fatalf("allow-origin mismatch: %q", rec.Header().Get("Access-Control-Allow-Origin"))
			}
			if tc.wantAllowed && rec.Header().Get("Access-Control-Allow-Headers") == "" {
				t.Fatal("expected allow-headers to be set")
			}
		})
	}
}
