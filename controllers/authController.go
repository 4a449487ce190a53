package controllers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"shopmetrics-backend/middlewares"
	"shopmetrics-backend/models"
	"shopmetrics-backend/ratelimit"
)

type RegisterDTO struct {
	FirstName       string `json:"first_name" validate:"required,min=1"`
	LastName        string `json:"last_name" validate:"required,min=1"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

type LoginDTO struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// POST /api/registration
func Register(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in RegisterDTO
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		email := strings.ToLower(strings.TrimSpace(in.Email))

		var mailExist models.User
		err := db.Where("email = ?", email).First(&mailExist).Error
		if err == nil {
			return fiber.NewError(fiber.StatusBadRequest, "email already exists")
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusInternalServerError, "db error")
		}

		user := models.User{
			FirstName: strings.TrimSpace(in.FirstName),
			LastName:  strings.TrimSpace(in.LastName),
			Email:     email,
		}
		user.SetPassword(in.Password)
		if err := db.Create(&user).Error; err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "could not create user")
		}
		return c.Status(fiber.StatusCreated).JSON(user)
	}
}

// POST /api/login
//
// Failed attempts are counted per IP+email; crossing the threshold blocks
// the pair for the configured block duration, independent of the general
// request limiter.
func Login(db *gorm.DB, attempts *ratelimit.AuthLimiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in LoginDTO
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		email := strings.ToLower(strings.TrimSpace(in.Email))
		key := c.IP() + "|" + email

		if err := attempts.Check(key); err != nil {
			return err
		}

		var user models.User
		if err := db.Where("email = ?", email).First(&user).Error; err != nil {
			attempts.RecordFailure(key)
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		if err := user.ComparePassword(in.Password); err != nil {
			attempts.RecordFailure(key)
			return fiber.NewError(fiber.StatusUnauthorized, "invalid credentials")
		}
		attempts.Clear(key)

		token, err := middlewares.GenerateJWT(user.Id)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "could not issue token")
		}

		return c.JSON(fiber.Map{
			"token": token,
			"user": fiber.Map{
				"id":    user.Id,
				"name":  user.FirstName + " " + user.LastName,
				"email": user.Email,
			},
		})
	}
}

// POST /api/logout
func Logout() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cookie := fiber.Cookie{
			Name:     "jwt",
			Value:    "",
			Expires:  time.Now().Add(-time.Hour),
			HTTPOnly: true,
		}
		c.Cookie(&cookie)
		return c.JSON(fiber.Map{
			"message": "success",
		})
	}
}
