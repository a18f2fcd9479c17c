package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestClient(t *testing.T, handler http.Handler) *RESTClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewRESTClient(RESTClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestNewRESTClientRequiresBaseURL(t *testing.T) {
	if _, err := NewRESTClient(RESTClientConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}

func TestSelectBuildsFilterQueryAndHeaders(t *testing.T) {
	var captured *http.Request
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		w.Write([]byte(`[{"id":"kata-1","like_count":3}]`))
	}))

	rows, err := client.Select(context.Background(), TableLikes, Filters{"target_id": "kata-1"})
	if err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if len(rows) != 1 || rows[0].StringField("id") != "kata-1" || rows[0].Int64Field("like_count") != 3 {
		t.Fatalf("unexpected rows: %#v", rows)
	}

	if captured.URL.Path != "/rest/v1/likes" {
		t.Fatalf("unexpected path: %s", captured.URL.Path)
	}
	if got := captured.URL.Query().Get("target_id"); got != "eq.kata-1" {
		t.Fatalf("expected eq filter, got %q", got)
	}
	if captured.Header.Get("apikey") != "test-key" {
		t.Fatalf("expected api key header")
	}
}

func TestDoMapsAuthFailures(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := client.Select(context.Background(), TableLikes, nil)
	if !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected not-signed-in error, got %v", err)
	}
}

func TestDoMapsClientRejections(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	err := client.Insert(context.Background(), TableLikes, Row{"user_id": "u"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestTransportFailureMapsToOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client, err := NewRESTClient(RESTClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	server.Close()

	_, err = client.Select(context.Background(), TableLikes, nil)
	if !errors.Is(err, ErrOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveTransportFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client, err := NewRESTClient(RESTClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	server.Close()

	for i := 0; i < 10; i++ {
		client.Select(context.Background(), TableLikes, nil) //nolint:errcheck
	}
	if client.Connected(context.Background()) {
		t.Fatalf("expected open breaker to report disconnected without probing")
	}
}

func TestConnectedProbesEndpoint(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD probe, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	if !client.Connected(context.Background()) {
		t.Fatalf("expected reachable service to report connected")
	}
}

func TestSessionLifecycleThroughAccessTokens(t *testing.T) {
	client := newTestClient(t, http.NotFoundHandler())
	if _, ok := client.CurrentSession(); ok {
		t.Fatalf("expected no session before a token is installed")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("unexpected signing error: %v", err)
	}

	if err := client.SetAccessToken(signed); err != nil {
		t.Fatalf("unexpected token error: %v", err)
	}
	session, ok := client.CurrentSession()
	if !ok || session.UserID != "user-42" {
		t.Fatalf("expected active session, got %#v ok=%v", session, ok)
	}

	if err := client.SetAccessToken("garbage"); err == nil {
		t.Fatalf("expected error for malformed token")
	}
}
