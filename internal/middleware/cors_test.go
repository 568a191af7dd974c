package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{name: "wildcard echoes origin", allowed: []string{"*"}, origin: "http://a.test", method: http.MethodGet, wantOrigin: "http://a.test", wantStatus: http.StatusOK},
		{name: "explicit origin gets credentials", allowed: []string{"https://app.test"}, origin: "https://app.test", method: http.MethodGet, wantOrigin: "https://app.test", wantCreds: "true", wantStatus: http.StatusOK},
		{name: "unknown origin", allowed: []string{"https://app.test"}, origin: "https://evil.test", method: http.MethodGet, wantStatus: http.StatusOK},
		{name: "preflight", allowed: []string{"*"}, origin: "http://a.test", method: http.MethodOptions, wantOrigin: "http://a.test", wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/sessions", nil)
			r.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials"); got != tt.wantCreds {
				t.Errorf("Allow-Credentials = %q, want %q", got, tt.wantCreds)
			}
		})
	}
}
