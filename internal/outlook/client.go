package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultLoginBaseURL = "https://login.microsoftonline.com"

	// Scopes requested on connect. offline_access is what makes the
	// provider hand back a refresh token.
	DefaultScopes = "openid profile email offline_access User.Read Mail.ReadWrite Mail.Send"

	// Fallback access token lifetime when the token response omits
	// expires_in.
	AccessTokenLifetime = time.Hour
)

// ErrRefreshTokenRevoked is returned when the provider rejects a refresh
// token outright (400/401). The connection is dead; retrying is pointless.
var ErrRefreshTokenRevoked = errors.New("refresh token revoked")

// Token is a provider token pair, in plaintext. Encryption happens upstream.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Profile is the authenticated mailbox owner
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	UPN         string `json:"userPrincipalName"`
}

// Email returns the best mailbox address Graph gives us
func (p *Profile) Email() string {
	if p.Mail != "" {
		return p.Mail
	}
	return p.UPN
}

// Subscription is a Graph webhook subscription resource
type Subscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState"`
}

type Client struct {
	clientID     string
	clientSecret string
	tenantID     string
	graphBaseURL string
	loginBaseURL string
	httpClient   *http.Client
}

func NewClient(clientID, clientSecret, tenantID string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		tenantID:     tenantID,
		graphBaseURL: DefaultGraphBaseURL,
		loginBaseURL: DefaultLoginBaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// SetBaseURLs points the client at alternate endpoints (tests)
func (c *Client) SetBaseURLs(graphBaseURL, loginBaseURL string) {
	c.graphBaseURL = strings.TrimRight(graphBaseURL, "/")
	c.loginBaseURL = strings.TrimRight(loginBaseURL, "/")
}

func (c *Client) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Split(DefaultScopes, " "),
		Endpoint: oauth2.Endpoint{
			AuthURL:  fmt.Sprintf("%s/%s/oauth2/v2.0/authorize", c.loginBaseURL, c.tenantID),
			TokenURL: fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBaseURL, c.tenantID),
		},
	}
}

// oauthContext bounds the oauth2 package's internal HTTP calls with the
// client's timeout.
func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// AuthCodeURL builds the provider redirect URL carrying the PKCE challenge
// derived from verifier.
func (c *Client) AuthCodeURL(state, verifier, redirectURI string) string {
	return c.oauthConfig(redirectURI).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode trades an authorization code plus its PKCE verifier for a
// token pair.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Token, error) {
	tok, err := c.oauthConfig(redirectURI).Exchange(c.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return c.toToken(tok), nil
}

// RefreshToken mints a fresh token pair from a refresh token. A 400/401
// from the token endpoint means the refresh token itself is no longer good
// and is surfaced as ErrRefreshTokenRevoked; anything else is transient.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	source := c.oauthConfig("").TokenSource(c.oauthContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})

	tok, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status := retrieveErr.Response.StatusCode
			if status == http.StatusBadRequest || status == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: %v", ErrRefreshTokenRevoked, err)
			}
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := c.toToken(tok)

	// Some providers rotate refresh tokens, some return none on refresh.
	// Callers must always get a usable one back.
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}

	return result, nil
}

func (c *Client) toToken(tok *oauth2.Token) *Token {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(AccessTokenLifetime)
	}

	scope, _ := tok.Extra("scope").(string)

	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
	}
}

// GetProfile fetches the authenticated user's Graph profile
func (c *Client) GetProfile(ctx context.Context, accessToken string) (*Profile, error) {
	var profile Profile
	if err := c.doJSON(ctx, accessToken, http.MethodGet, "/me", nil, &profile); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &profile, nil
}

// CreateSubscription registers a webhook subscription at the provider
func (c *Client) CreateSubscription(ctx context.Context, accessToken string, sub Subscription) (*Subscription, error) {
	body := map[string]interface{}{
		"resource":           sub.Resource,
		"changeType":         sub.ChangeType,
		"notificationUrl":    sub.NotificationURL,
		"expirationDateTime": sub.ExpirationDateTime.UTC().Format(time.RFC3339Nano),
		"clientState":        sub.ClientState,
	}

	var created Subscription
	if err := c.doJSON(ctx, accessToken, http.MethodPost, "/subscriptions", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &created, nil
}

// RenewSubscription extends an existing subscription's expiry
func (c *Client) RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt time.Time) (*Subscription, error) {
	body := map[string]interface{}{
		"expirationDateTime": expiresAt.UTC().Format(time.RFC3339Nano),
	}

	var renewed Subscription
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.doJSON(ctx, accessToken, http.MethodPatch, path, body, &renewed); err != nil {
		return nil, fmt.Errorf("failed to renew subscription: %w", err)
	}
	return &renewed, nil
}

// DeleteSubscription removes a subscription at the provider. A 404 counts
// as success: the subscription is gone either way.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.doJSON(ctx, accessToken, http.MethodDelete, path, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ListInboxMessageIDs fetches ids of inbox messages received after since
// (lightweight, no bodies).
func (c *Client) ListInboxMessageIDs(ctx context.Context, accessToken string, since *time.Time, top int) ([]string, error) {
	params := url.Values{}
	params.Set("$select", "id")
	params.Set("$top", fmt.Sprintf("%d", top))
	params.Set("$orderby", "receivedDateTime desc")
	if since != nil {
		params.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	}

	var resp struct {
		Value []struct {
			ID string `json:"id"`
		} `json:"value"`
	}

	path := "/me/mailFolders/inbox/messages?" + params.Encode()
	if err := c.doJSON(ctx, accessToken, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Value))
	for _, m := range resp.Value {
		ids = append(ids, m.ID)
	}

	log.Printf("Graph API returned %d message ID(s)", len(ids))

	return ids, nil
}

// SendMailRequest is an outgoing message
type SendMailRequest struct {
	To      []string
	Subject string
	Body    string
}

// SendMail sends a message from the connected mailbox
func (c *Client) SendMail(ctx context.Context, accessToken string, msg SendMailRequest) error {
	recipients := make([]map[string]interface{}, 0, len(msg.To))
	for _, addr := range msg.To {
		recipients = append(recipients, map[string]interface{}{
			"emailAddress": map[string]string{"address": addr},
		})
	}

	body := map[string]interface{}{
		"message": map[string]interface{}{
			"subject": msg.Subject,
			"body": map[string]string{
				"contentType": "Text",
				"content":     msg.Body,
			},
			"toRecipients": recipients,
		},
		"saveToSentItems": true,
	}

	if err := c.doJSON(ctx, accessToken, http.MethodPost, "/me/sendMail", body, nil); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// APIError is a non-2xx Graph response
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API returned %d: %s", e.StatusCode, e.Body)
}

// doJSON issues an authenticated Graph request and decodes the JSON
// response into out (when out is non-nil).
func (c *Client) doJSON(ctx context.Context, accessToken, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.graphBaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
