// Package provider is the HTTP client for the social-commerce platform's
// open API: OAuth token endpoints plus the shop and stats endpoints the
// sync jobs read. Every response uses the platform's {code, message, data}
// envelope; a non-zero code surfaces as *APIError.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"
)

const DefaultTimeout = 15 * time.Second

// refreshExpiryKey carries the refresh token's own expiry inside the
// oauth2.Token extras, since oauth2.Token.Expiry only covers the access
// token.
const refreshExpiryKey = "refresh_expires_at"

// Config carries the app registration the platform issued us.
type Config struct {
	// AuthBaseURL hosts the user-facing authorize page.
	AuthBaseURL string
	// APIBaseURL hosts the token and data endpoints.
	APIBaseURL string

	ClientKey    string
	ClientSecret string
	RedirectURL  string
	// Scopes is the comma-joined scope list sent on authorize.
	Scopes string

	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// Clock drives token expiry math. Nil means the wall clock.
	Clock clockwork.Clock
}

// Client talks to the platform. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      clockwork.Clock
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{cfg: cfg, httpClient: httpClient, clock: clock}
}

// ShopInfo identifies the storefront behind an access token.
type ShopInfo struct {
	ShopID string `json:"shop_id"`
	Name   string `json:"shop_name"`
	Region string `json:"region"`
}

// UserStats is the account-level counter snapshot.
type UserStats struct {
	FollowerCount  int64 `json:"follower_count"`
	FollowingCount int64 `json:"following_count"`
	LikesCount     int64 `json:"likes_count"`
	VideoCount     int64 `json:"video_count"`
}

// VideoStats is the per-video counter snapshot.
type VideoStats struct {
	VideoID      string `json:"video_id"`
	Title        string `json:"title"`
	ViewCount    int64  `json:"view_count"`
	LikeCount    int64  `json:"like_count"`
	CommentCount int64  `json:"comment_count"`
	ShareCount   int64  `json:"share_count"`
}

// AuthorizeURL builds the user-facing consent URL for one linking attempt.
// state and codeChallenge come from the OAuth state manager; the challenge
// method is always S256.
func (c *Client) AuthorizeURL(state, codeChallenge string) string {
	params := url.Values{
		"client_key":            {c.cfg.ClientKey},
		"response_type":         {"code"},
		"redirect_uri":          {c.cfg.RedirectURL},
		"scope":                 {c.cfg.Scopes},
		"state":                 {state},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return strings.TrimSuffix(c.cfg.AuthBaseURL, "/") + "/oauth/authorize?" + params.Encode()
}

// ExchangeCode trades an authorization code (plus its PKCE verifier) for a
// token bundle. The returned token carries the refresh token's own expiry
// as an extra; read it with RefreshExpiry.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_key":    {c.cfg.ClientKey},
		"client_secret": {c.cfg.ClientSecret},
		"redirect_uri":  {c.cfg.RedirectURL},
	}
	return c.token(ctx, form)
}

// RefreshToken rotates a token bundle. The platform invalidates the old
// refresh token on success, so the caller must persist the returned pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_key":    {c.cfg.ClientKey},
		"client_secret": {c.cfg.ClientSecret},
	}
	return c.token(ctx, form)
}

func (c *Client) token(ctx context.Context, form url.Values) (*oauth2.Token, error) {
	var data struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		RefreshToken     string `json:"refresh_token"`
		ExpiresIn        int64  `json:"expires_in"`
		RefreshExpiresIn int64  `json:"refresh_expires_in"`
		ShopID           string `json:"shop_id"`
	}
	if err := c.call(ctx, http.MethodPost, "/oauth/token", nil, form, "", &data); err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken:  data.AccessToken,
		TokenType:    data.TokenType,
		RefreshToken: data.RefreshToken,
	}
	now := c.clock.Now()
	if data.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(data.ExpiresIn) * time.Second)
	}
	extra := map[string]interface{}{"shop_id": data.ShopID}
	if data.RefreshExpiresIn > 0 {
		extra[refreshExpiryKey] = now.Add(time.Duration(data.RefreshExpiresIn) * time.Second)
	}
	return token.WithExtra(extra), nil
}

// RefreshExpiry returns when the refresh token itself lapses, or the zero
// time when the platform did not say.
func RefreshExpiry(token *oauth2.Token) time.Time {
	expiry, _ := token.Extra(refreshExpiryKey).(time.Time)
	return expiry
}

// TokenShopID returns the shop id the platform reported alongside the
// token bundle, if any.
func TokenShopID(token *oauth2.Token) string {
	shopID, _ := token.Extra("shop_id").(string)
	return shopID
}

// ShopInfo fetches the storefront linked to accessToken.
func (c *Client) ShopInfo(ctx context.Context, accessToken string) (*ShopInfo, error) {
	var info ShopInfo
	if err := c.call(ctx, http.MethodGet, "/shop/info", nil, nil, accessToken, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// UserStats fetches the account-level counters for shopID.
func (c *Client) UserStats(ctx context.Context, accessToken, shopID string) (*UserStats, error) {
	query := url.Values{"shop_id": {shopID}}
	var stats UserStats
	if err := c.call(ctx, http.MethodGet, "/stats/user", query, nil, accessToken, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// VideoStats fetches per-video counters for the shop's most recent videos,
// capped at limit.
func (c *Client) VideoStats(ctx context.Context, accessToken, shopID string, limit int) ([]VideoStats, error) {
	query := url.Values{
		"shop_id": {shopID},
		"limit":   {strconv.Itoa(limit)},
	}
	var data struct {
		Videos []VideoStats `json:"videos"`
	}
	if err := c.call(ctx, http.MethodGet, "/stats/videos", query, nil, accessToken, &data); err != nil {
		return nil, err
	}
	return data.Videos, nil
}

// call performs one request and unwraps the platform envelope into out.
// form non-nil makes it a form-encoded body; accessToken non-empty adds
// the bearer header.
func (c *Client) call(ctx context.Context, method, path string, query, form url.Values, accessToken string, out interface{}) error {
	endpoint := strings.TrimSuffix(c.cfg.APIBaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if resp.StatusCode != http.StatusOK {
		// Some gateways still wrap errors in the envelope; keep whatever
		// code and message survive the decode.
		_ = json.Unmarshal(raw, &envelope)
		if envelope.Message == "" {
			envelope.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{HTTPStatus: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s %s envelope: %w", method, path, err)
	}
	if envelope.Code != 0 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode %s %s payload: %w", method, path, err)
	}
	return nil
}
