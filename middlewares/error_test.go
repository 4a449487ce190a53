package middlewares

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoDTO struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required,min=1"`
}

func newErrorApp() *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: NewErrorHandler(nil)})
	app.Get("/teapot", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusTeapot, "short and stout")
	})
	app.Post("/validated", func(c *fiber.Ctx) error {
		var in echoDTO
		if err := BindAndValidate(c, &in); err != nil {
			return err
		}
		return c.JSON(in)
	})
	app.Get("/boom", func(c *fiber.Ctx) error {
		return errors.New("pq: connection reset")
	})
	return app
}

func getJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestErrorHandlerPassesFiberErrorsThrough(t *testing.T) {
	app := newErrorApp()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/teapot", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short and stout", getJSON(t, resp)["message"])
}

func TestErrorHandlerMapsValidationErrorsTo422(t *testing.T) {
	app := newErrorApp()
	req := httptest.NewRequest(http.MethodPost, "/validated",
		bytes.NewBufferString(`{"email":"not-an-email"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	body := getJSON(t, resp)
	assert.Equal(t, "validation failed", body["message"])
	fields, ok := body["errors"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "email", fields["Email"])
	assert.Equal(t, "required", fields["Name"])
}

func TestErrorHandlerHidesUnknownErrors(t *testing.T) {
	app := newErrorApp()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	body := getJSON(t, resp)
	assert.Equal(t, "internal server error", body["message"])
	assert.NotContains(t, body, "error")
}

func TestErrorHandlerRejectsUnparseableBody(t *testing.T) {
	app := newErrorApp()
	req := httptest.NewRequest(http.MethodPost, "/validated",
		bytes.NewBufferString(`{not json`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid request body", getJSON(t, resp)["message"])
}
