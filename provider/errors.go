package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Business codes the platform returns in its response envelope. Only the
// ones the syncer acts on are named here.
const (
	CodeAccessTokenInvalid = 40101
	CodeAccessTokenExpired = 40102
	CodeShopUnlinked       = 40130
)

// APIError is a failed platform call: either a non-2xx HTTP response or a
// 200 whose envelope carries a non-zero business code.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform api error: http %d, code %d: %s", e.HTTPStatus, e.Code, e.Message)
}

// IsAuthRevoked reports whether err means the store's authorization is gone
// for good (revoked, expired beyond refresh, or the shop unlinked the app).
// Such failures must not be retried with the same credentials.
func IsAuthRevoked(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized {
		return true
	}
	switch apiErr.Code {
	case CodeAccessTokenInvalid, CodeAccessTokenExpired, CodeShopUnlinked:
		return true
	}
	return false
}
