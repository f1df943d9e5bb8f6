package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/credentials/cred-1/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"access_token": "at", "refresh_token": "rt", "expires_at": 1700000000}`)
	}))
	defer srv.Close()

	token, err := NewClient(srv.URL).Token(context.Background(), "cred-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if token.AccessToken != "at" || token.RefreshToken != "rt" {
		t.Errorf("token = %+v", token)
	}
	if token.Expiry.Unix() != 1700000000 {
		t.Errorf("expiry = %v", token.Expiry)
	}
}

func TestTokenRevoked(t *testing.T) {
	for _, status := range []int{401, 403, 404} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, err := NewClient(srv.URL).Token(context.Background(), "cred-1")
		srv.Close()

		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("status %d: err = %v, want ErrUnauthorized", status, err)
		}
	}
}

func TestTokenServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Token(context.Background(), "cred-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("5xx must not read as a revoked credential")
	}
}
