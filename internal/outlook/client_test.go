package outlook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(graphURL, loginURL string) *Client {
	c := NewClient("test-client-id", "test-client-secret", "common")
	c.SetBaseURLs(graphURL, loginURL)
	return c
}

func TestAuthCodeURL(t *testing.T) {
	c := NewClient("test-client-id", "test-client-secret", "common")

	u := c.AuthCodeURL("state-123", "verifier-value-that-is-long-enough-for-pkce", "https://crm.example.com/callback")

	for _, want := range []string{
		"login.microsoftonline.com/common/oauth2/v2.0/authorize",
		"state=state-123",
		"code_challenge=",
		"code_challenge_method=S256",
		"offline_access",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("expected URL to contain %q, got %s", want, u)
		}
	}
}

func TestRefreshToken_RevokedOn400(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70000: refresh token revoked"}`))
	}))
	defer login.Close()

	c := newTestClient("http://unused", login.URL)

	_, err := c.RefreshToken(context.Background(), "revoked-refresh-token")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrRefreshTokenRevoked) {
		t.Errorf("expected ErrRefreshTokenRevoked, got %v", err)
	}
}

func TestRefreshToken_TransientOn500(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer login.Close()

	c := newTestClient("http://unused", login.URL)

	_, err := c.RefreshToken(context.Background(), "some-refresh-token")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if errors.Is(err, ErrRefreshTokenRevoked) {
		t.Errorf("a 500 must not be treated as revoked, got %v", err)
	}
}

func TestRefreshToken_KeepsPriorRefreshToken(t *testing.T) {
	login := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// No refresh_token in the response: the provider did not rotate.
		w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3599}`))
	}))
	defer login.Close()

	c := newTestClient("http://unused", login.URL)

	tok, err := c.RefreshToken(context.Background(), "prior-refresh-token")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if tok.AccessToken != "new-access" {
		t.Errorf("expected new access token, got %s", tok.AccessToken)
	}
	if tok.RefreshToken != "prior-refresh-token" {
		t.Errorf("expected prior refresh token kept, got %s", tok.RefreshToken)
	}
	if tok.ExpiresAt.Before(time.Now().Add(50 * time.Minute)) {
		t.Errorf("expected expiry roughly an hour out, got %s", tok.ExpiresAt)
	}
}

func TestGetProfile(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("unexpected auth header %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user-1","displayName":"Ada Agent","userPrincipalName":"ada@contoso.com"}`))
	}))
	defer graph.Close()

	c := newTestClient(graph.URL, "http://unused")

	profile, err := c.GetProfile(context.Background(), "token-abc")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if profile.ID != "user-1" {
		t.Errorf("expected id user-1, got %s", profile.ID)
	}
	// mail is empty, so userPrincipalName is the mailbox address
	if profile.Email() != "ada@contoso.com" {
		t.Errorf("expected UPN fallback, got %s", profile.Email())
	}
}

func TestCreateSubscription(t *testing.T) {
	expiry := time.Now().Add(4230 * time.Minute).UTC()

	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscriptions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}
		if body["changeType"] != "created,updated" {
			t.Errorf("unexpected changeType %v", body["changeType"])
		}
		if body["clientState"] != "shared-secret" {
			t.Errorf("unexpected clientState %v", body["clientState"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":                 "provider-sub-1",
			"resource":           body["resource"],
			"changeType":         body["changeType"],
			"notificationUrl":    body["notificationUrl"],
			"expirationDateTime": expiry.Format(time.RFC3339Nano),
			"clientState":        body["clientState"],
		})
	}))
	defer graph.Close()

	c := newTestClient(graph.URL, "http://unused")

	created, err := c.CreateSubscription(context.Background(), "token-abc", Subscription{
		Resource:           "/me/mailFolders('inbox')/messages",
		ChangeType:         "created,updated",
		NotificationURL:    "https://crm.example.com/webhooks/outlook",
		ExpirationDateTime: expiry,
		ClientState:        "shared-secret",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if created.ID != "provider-sub-1" {
		t.Errorf("expected provider subscription id, got %s", created.ID)
	}
	if !created.ExpirationDateTime.Equal(expiry.Truncate(time.Nanosecond)) {
		t.Errorf("expected expiry %s, got %s", expiry, created.ExpirationDateTime)
	}
}

func TestRenewSubscription_Failure(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"ResourceNotFound"}}`))
	}))
	defer graph.Close()

	c := newTestClient(graph.URL, "http://unused")

	_, err := c.RenewSubscription(context.Background(), "token-abc", "gone-sub", time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected APIError with 404, got %v", err)
	}
}

func TestDeleteSubscription_404IsSuccess(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer graph.Close()

	c := newTestClient(graph.URL, "http://unused")

	// Already gone at the provider: delete is a no-op, not a failure.
	if err := c.DeleteSubscription(context.Background(), "token-abc", "gone-sub"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestListInboxMessageIDs(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/me/mailFolders/inbox/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("$select"); got != "id" {
			t.Errorf("expected $select=id, got %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":[{"id":"msg-1"},{"id":"msg-2"}]}`))
	}))
	defer graph.Close()

	c := newTestClient(graph.URL, "http://unused")

	since := time.Now().Add(-time.Hour)
	ids, err := c.ListInboxMessageIDs(context.Background(), "token-abc", &since, 50)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(ids) != 2 || ids[0] != "msg-1" || ids[1] != "msg-2" {
		t.Errorf("unexpected ids %v", ids)
	}
}
