package authmw

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
})

func TestBearerToken(t *testing.T) {
	t.Parallel()

	h := BearerToken("operator-token")(okHandler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer operator-token", http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"lowercase scheme", "bearer operator-token", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"prefix of token", "Bearer operator", http.StatusUnauthorized},
		{"token with suffix", "Bearer operator-token-x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/signals", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.HasPrefix(rec.Body.String(), `{"error":`) {
				t.Errorf("body = %q, want JSON error", rec.Body.String())
			}
		})
	}
}

func TestBearerToken_EmptyConfiguredTokenRejects(t *testing.T) {
	t.Parallel()

	h := BearerToken("")(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	t.Parallel()

	secret := []byte("hook-secret")
	body := `{"source_type":"webhook","subject":"acme"}`

	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusAccepted)
	})
	h := WebhookSignature(string(secret), 1<<10)(inner)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/signals", strings.NewReader(body))
	req.Header.Set(SignatureHeader, Sign(secret, []byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got != body {
		t.Errorf("handler saw body %q, want %q", got, body)
	}
}

func TestWebhookSignature_Rejects(t *testing.T) {
	t.Parallel()

	secret := []byte("hook-secret")
	body := `{"subject":"acme"}`
	h := WebhookSignature(string(secret), 1<<10)(okHandler)

	tests := []struct {
		name   string
		header string
		body   string
		want   int
	}{
		{"missing", "", body, http.StatusUnauthorized},
		{"wrong secret", Sign([]byte("other"), []byte(body)), body, http.StatusUnauthorized},
		{"tampered body", Sign(secret, []byte(body)), body + " ", http.StatusUnauthorized},
		{"no prefix", strings.TrimPrefix(Sign(secret, []byte(body)), "sha256="), body, http.StatusUnauthorized},
		{"not hex", "sha256=zzzz", body, http.StatusUnauthorized},
		{"too large", Sign(secret, []byte(strings.Repeat("x", 2048))), strings.Repeat("x", 2048), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(SignatureHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestWebhookSignature_EmptySecretRejects(t *testing.T) {
	t.Parallel()

	h := WebhookSignature("", 1<<10)(okHandler)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
	req.Header.Set(SignatureHeader, Sign(nil, []byte("{}")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	secret := []byte("s")
	sig := Sign(secret, []byte("payload"))
	if !Verify(secret, []byte("payload"), sig) {
		t.Error("valid signature rejected")
	}
	if Verify(secret, []byte("payload2"), sig) {
		t.Error("signature accepted for different body")
	}
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Errorf("signature = %q", sig)
	}
}
