// Package identity is an HTTP client for the Keycloak identity provider.
// Account state lives in Keycloak; this package covers the token and admin
// endpoints the services need.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// User is the subset of the Keycloak user representation the services use.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	FirstName     string `json:"firstName"`
	LastName      string `json:"lastName"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Enabled       bool   `json:"enabled"`
}

// TokenSet is the response of the OpenID Connect token endpoint.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// NewUser is a registration request.
type NewUser struct {
	Username  string
	Email     string
	FirstName string
	LastName  string
	Password  string
}

// UserLookup resolves user ids to profiles. The RPC handler depends on this
// instead of the full client.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// Client talks to a single Keycloak realm.
type Client struct {
	baseURL      string
	realm        string
	clientID     string
	clientSecret string
	http         *http.Client
	logger       *slog.Logger
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the given Keycloak base URL and realm.
func NewClient(baseURL, realm, clientID, clientSecret string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		realm:        realm,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges user credentials for a token set via the password grant.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"username":      {username},
		"password":      {password},
		"scope":         {"openid email profile"},
	}
	return c.tokenRequest(ctx, "login", form)
}

// RefreshToken exchanges a refresh token for a fresh token set.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
		"scope":         {"openid email profile"},
	}
	return c.tokenRequest(ctx, "refresh", form)
}

// AdminToken obtains a service-account access token via client credentials.
// The client must have the realm admin roles it needs.
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	tokens, err := c.tokenRequest(ctx, "admin_token", form)
	if err != nil {
		return "", err
	}
	if tokens.AccessToken == "" {
		return "", &RequestError{Op: "admin_token", Err: ErrNoAccessToken, Timestamp: time.Now()}
	}
	return tokens.AccessToken, nil
}

// Register creates a user in the realm and returns the Keycloak user id,
// parsed from the Location header of the 201 response. The account starts
// enabled with an unverified email.
func (c *Client) Register(ctx context.Context, user NewUser) (string, error) {
	adminToken, err := c.AdminToken(ctx)
	if err != nil {
		return "", err
	}

	representation := map[string]any{
		"username":      user.Username,
		"email":         user.Email,
		"firstName":     user.FirstName,
		"lastName":      user.LastName,
		"emailVerified": false,
		"enabled":       true,
		"credentials": []map[string]any{
			{"type": "password", "value": user.Password, "temporary": false},
		},
	}

	body, err := json.Marshal(representation)
	if err != nil {
		return "", fmt.Errorf("encode user representation: %w", err)
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s/users", c.baseURL, c.realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &RequestError{Op: "register", Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", c.statusError("register", resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &RequestError{Op: "register", Err: ErrNoUserLocation, Timestamp: time.Now()}
	}
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	id := parts[len(parts)-1]

	c.logger.Info("user registered in identity provider", "username", user.Username, "id", id)
	return id, nil
}

// GetUserByID fetches a user by its Keycloak id through the admin API.
func (c *Client) GetUserByID(ctx context.Context, id string) (*User, error) {
	adminToken, err := c.AdminToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s/users/%s", c.baseURL, c.realm, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "get_user", Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("get_user", resp)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, &RequestError{Op: "get_user", Err: err, Timestamp: time.Now()}
	}
	return &user, nil
}

// UserInfo returns the OpenID Connect userinfo claims for an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/userinfo", c.baseURL, c.realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: "userinfo", Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("userinfo", resp)
	}

	var claims map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, &RequestError{Op: "userinfo", Err: err, Timestamp: time.Now()}
	}
	return claims, nil
}

// VerifyEmail looks up the user by username and marks its email verified.
func (c *Client) VerifyEmail(ctx context.Context, username string) error {
	adminToken, err := c.AdminToken(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/admin/realms/%s/users?username=%s", c.baseURL, c.realm, url.QueryEscape(username))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &RequestError{Op: "verify_email", Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusError("verify_email", resp)
	}

	var users []User
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return &RequestError{Op: "verify_email", Err: err, Timestamp: time.Now()}
	}
	if len(users) == 0 {
		return ErrUserNotFound
	}

	update, err := json.Marshal(map[string]any{"emailVerified": true})
	if err != nil {
		return err
	}

	updateURL := fmt.Sprintf("%s/admin/realms/%s/users/%s", c.baseURL, c.realm, url.PathEscape(users[0].ID))
	updateReq, err := http.NewRequestWithContext(ctx, http.MethodPut, updateURL, bytes.NewReader(update))
	if err != nil {
		return err
	}
	updateReq.Header.Set("Authorization", "Bearer "+adminToken)
	updateReq.Header.Set("Content-Type", "application/json")

	updateResp, err := c.http.Do(updateReq)
	if err != nil {
		return &RequestError{Op: "verify_email", Err: err, Timestamp: time.Now()}
	}
	defer updateResp.Body.Close()

	if updateResp.StatusCode != http.StatusNoContent && updateResp.StatusCode != http.StatusOK {
		return c.statusError("verify_email", updateResp)
	}

	c.logger.Info("email verified", "username", username)
	return nil
}

func (c *Client) tokenRequest(ctx context.Context, op string, form url.Values) (*TokenSet, error) {
	endpoint := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", c.baseURL, c.realm)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{Op: op, Err: err, Timestamp: time.Now()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(op, resp)
	}

	var tokens TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, &RequestError{Op: op, Err: err, Timestamp: time.Now()}
	}
	return &tokens, nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RequestError{
		Op:        op,
		Status:    resp.StatusCode,
		Body:      string(body),
		Timestamp: time.Now(),
	}
}
