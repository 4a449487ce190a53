package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(Config{
		AuthBaseURL:  "https://auth.platform.test",
		APIBaseURL:   server.URL,
		ClientKey:    "ck_test",
		ClientSecret: "cs_test",
		RedirectURL:  "https://dashboard.test/api/oauth/callback",
		Scopes:       "shop.info,user.stats,video.list",
	})
}

func TestExchangeCodeSendsFormAndParsesBundle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/oauth/token", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "code-123", r.PostForm.Get("code"))
		assert.Equal(t, "verifier-abc", r.PostForm.Get("code_verifier"))
		assert.Equal(t, "ck_test", r.PostForm.Get("client_key"))
		assert.Equal(t, "cs_test", r.PostForm.Get("client_secret"))
		assert.Equal(t, "https://dashboard.test/api/oauth/callback", r.PostForm.Get("redirect_uri"))

		fmt.Fprint(w, `{"code":0,"message":"success","data":{
			"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1",
			"expires_in":7200,"refresh_expires_in":31536000,"shop_id":"shop-9"}}`)
	})

	token, err := client.ExchangeCode(context.Background(), "code-123", "verifier-abc")
	require.NoError(t, err)

	assert.Equal(t, "at-1", token.AccessToken)
	assert.Equal(t, "rt-1", token.RefreshToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.WithinDuration(t, time.Now().Add(7200*time.Second), token.Expiry, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(31536000*time.Second), RefreshExpiry(token), 5*time.Second)
	assert.Equal(t, "shop-9", TokenShopID(token))
}

func TestRefreshTokenSendsForm(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		assert.Empty(t, r.PostForm.Get("code_verifier"))

		fmt.Fprint(w, `{"code":0,"message":"success","data":{
			"access_token":"at-2","refresh_token":"rt-new","expires_in":7200}}`)
	})

	token, err := client.RefreshToken(context.Background(), "rt-old")
	require.NoError(t, err)
	assert.Equal(t, "at-2", token.AccessToken)
	assert.Equal(t, "rt-new", token.RefreshToken)
	assert.True(t, RefreshExpiry(token).IsZero(), "no refresh_expires_in means zero expiry")
}

func TestTokenExpiryMathUsesInjectedClock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"message":"success","data":{
			"access_token":"at-1","refresh_token":"rt-1",
			"expires_in":7200,"refresh_expires_in":31536000}}`)
	}))
	t.Cleanup(server.Close)

	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	client := NewClient(Config{
		AuthBaseURL:  "https://auth.platform.test",
		APIBaseURL:   server.URL,
		ClientKey:    "ck_test",
		ClientSecret: "cs_test",
		RedirectURL:  "https://dashboard.test/api/oauth/callback",
		Scopes:       "shop.info",
		Clock:        clock,
	})

	token, err := client.ExchangeCode(context.Background(), "code-123", "verifier-abc")
	require.NoError(t, err)

	assert.Equal(t, clock.Now().Add(7200*time.Second), token.Expiry)
	assert.Equal(t, clock.Now().Add(31536000*time.Second), RefreshExpiry(token))
}

func TestEnvelopeBusinessCodeBecomesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":40102,"message":"access token expired","data":null}`)
	})

	_, err := client.UserStats(context.Background(), "at-1", "shop-9")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusOK, apiErr.HTTPStatus)
	assert.Equal(t, CodeAccessTokenExpired, apiErr.Code)
	assert.Equal(t, "access token expired", apiErr.Message)
}

func TestHTTPErrorBecomesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	})

	_, err := client.ShopInfo(context.Background(), "at-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestUserStatsSendsAuthAndQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/stats/user", r.URL.Path)
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "shop-9", r.URL.Query().Get("shop_id"))

		fmt.Fprint(w, `{"code":0,"message":"success","data":{
			"follower_count":120500,"following_count":31,"likes_count":980000,"video_count":412}}`)
	})

	stats, err := client.UserStats(context.Background(), "at-1", "shop-9")
	require.NoError(t, err)
	assert.Equal(t, int64(120500), stats.FollowerCount)
	assert.Equal(t, int64(31), stats.FollowingCount)
	assert.Equal(t, int64(980000), stats.LikesCount)
	assert.Equal(t, int64(412), stats.VideoCount)
}

func TestVideoStatsParsesListAndLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats/videos", r.URL.Path)
		assert.Equal(t, "shop-9", r.URL.Query().Get("shop_id"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))

		fmt.Fprint(w, `{"code":0,"message":"success","data":{"videos":[
			{"video_id":"v1","title":"unboxing","view_count":9000,"like_count":400,"comment_count":25,"share_count":12},
			{"video_id":"v2","title":"haul","view_count":100,"like_count":3,"comment_count":0,"share_count":1}]}}`)
	})

	videos, err := client.VideoStats(context.Background(), "at-1", "shop-9", 25)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "v1", videos[0].VideoID)
	assert.Equal(t, int64(9000), videos[0].ViewCount)
	assert.Equal(t, "v2", videos[1].VideoID)
	assert.Equal(t, int64(1), videos[1].ShareCount)
}

func TestAuthorizeURLCarriesPKCEAndState(t *testing.T) {
	client := NewClient(Config{
		AuthBaseURL: "https://auth.platform.test/",
		ClientKey:   "ck_test",
		RedirectURL: "https://dashboard.test/api/oauth/callback",
		Scopes:      "shop.info,user.stats",
	})

	raw := client.AuthorizeURL("state-token", "challenge-abc")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "auth.platform.test", parsed.Host)
	assert.Equal(t, "/oauth/authorize", parsed.Path)
	q := parsed.Query()
	assert.Equal(t, "ck_test", q.Get("client_key"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "shop.info,user.stats", q.Get("scope"))
	assert.Equal(t, "https://dashboard.test/api/oauth/callback", q.Get("redirect_uri"))
}

func TestIsAuthRevoked(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("conn refused"), false},
		{"http 401", &APIError{HTTPStatus: http.StatusUnauthorized}, true},
		{"token invalid", &APIError{HTTPStatus: http.StatusOK, Code: CodeAccessTokenInvalid}, true},
		{"token expired", &APIError{HTTPStatus: http.StatusOK, Code: CodeAccessTokenExpired}, true},
		{"shop unlinked", &APIError{HTTPStatus: http.StatusOK, Code: CodeShopUnlinked}, true},
		{"throttled", &APIError{HTTPStatus: http.StatusTooManyRequests, Code: 42901}, false},
		{"server error", &APIError{HTTPStatus: http.StatusInternalServerError}, false},
		{"wrapped revoked", fmt.Errorf("sync: %w", &APIError{HTTPStatus: http.StatusUnauthorized}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthRevoked(tt.err))
		})
	}
}
