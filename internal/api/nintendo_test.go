package api_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"splatsync/internal/api"
)

func TestAuthorizeURL_ComposedOfflineWhenProviderUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // login works from the composed URL even with no connectivity

	c := api.NewNintendoClient(api.Endpoints{Accounts: srv.URL}, zerolog.Nop())
	got, err := c.AuthorizeURL(t.Context(), "state123", "challenge456")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	if !strings.HasPrefix(got, srv.URL+"/connect/1.0.0/authorize?") {
		t.Fatalf("unexpected url %s", got)
	}
	parsed, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state123" || q.Get("session_token_code_challenge") != "challenge456" {
		t.Fatalf("pkce params missing in %s", got)
	}
	if q.Get("session_token_code_challenge_method") != "S256" {
		t.Fatalf("challenge method missing in %s", got)
	}
}

func TestAuthorizeURL_FollowsProviderRedirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://accounts.example/login?cached=1")
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	c := api.NewNintendoClient(api.Endpoints{Accounts: srv.URL}, zerolog.Nop())
	got, err := c.AuthorizeURL(t.Context(), "state123", "challenge456")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	if got != "https://accounts.example/login?cached=1" {
		t.Fatalf("expected provider redirect got %s", got)
	}
}
