package middlewares

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"shopmetrics-backend/models"
)

// IdempotencyStore persists first-seen requests and their stored
// responses. Implemented by database.IdempotencyRepo.
type IdempotencyStore interface {
	// Claim returns the record for rec.Key, creating a pending one when
	// none exists. fresh reports whether this call created it.
	Claim(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, bool, error)
	// Complete stores the response for key.
	Complete(ctx context.Context, key string, status int, body []byte, at time.Time) error
}

// Idempotency processes Idempotency-Key for mutating HTTP methods. The
// first request under a key runs the handler and stores the response; any
// replay with the same key and an identical request hash gets the stored
// response back without running the handler again. Key reuse with a
// different request is a 409.
func Idempotency(store IdempotencyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch && method != fiber.MethodDelete {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get("Idempotency-Key"))
		if key == "" {
			return c.Next()
		}
		if len(key) > 128 {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key too long")
		}

		userID, _ := c.Locals("userID").(string)
		if userID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "auth context missing")
		}

		reqHash := requestHash(method, c.OriginalURL(), c.Body(), userID)

		rec, fresh, err := store.Claim(c.Context(), &models.IdempotencyKey{
			Key:         key,
			RequestHash: reqHash,
			Method:      method,
			Path:        c.OriginalURL(),
			UserID:      userID,
		})
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency lookup failed")
		}
		if !fresh {
			if rec.RequestHash != reqHash {
				return fiber.NewError(fiber.StatusConflict, "Idempotency-Key reuse with different request")
			}
			if rec.ResponseStatus != 0 && rec.ResponseBody != nil {
				// Completed response stored: short-circuit, no handler run.
				c.Status(rec.ResponseStatus)
				return c.Send(rec.ResponseBody)
			}
			// Pending: the first request is still in flight, let this one
			// run too rather than block on it.
		}

		if err := c.Next(); err != nil {
			return err
		}

		// Store the response, best-effort. The body is copied out because
		// fiber reuses its buffers.
		resp := c.Response().Body()
		blob := make([]byte, len(resp))
		copy(blob, resp)
		_ = store.Complete(c.Context(), key, c.Response().StatusCode(), blob, time.Now().UTC())

		return nil
	}
}

// requestHash fingerprints a request as method|path|body|user so key
// reuse with a different request is detectable.
func requestHash(method, path string, body []byte, userID string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	h.Write([]byte{'\n'})
	h.Write([]byte(userID))
	return hex.EncodeToString(h.Sum(nil))
}
