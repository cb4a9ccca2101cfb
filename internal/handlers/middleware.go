package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parametric-service/internal/models"
	"parametric-service/internal/utils"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
)

const callerLocalKey = "caller"

// Claims is the bearer token payload. Subject is the caller id.
type Claims struct {
	Capabilities []string `json:"caps"`

	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the gateway.
type Authenticator struct {
	Secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{Secret: []byte(secret)}
}

// Sign issues a token for subject. Used by operators and tests.
func (a *Authenticator) Sign(subject string, caps []models.Capability, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	claims := Claims{
		Capabilities: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a *Authenticator) Verify(token string) (models.Caller, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.Secret, nil
	})
	if err != nil {
		return models.Caller{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return models.Caller{}, errors.New("invalid token")
	}
	caps := make([]models.Capability, len(claims.Capabilities))
	for i, c := range claims.Capabilities {
		caps[i] = models.Capability(c)
	}
	return models.NewCaller(claims.Subject, caps...), nil
}

// Middleware rejects requests without a valid bearer token and stores the
// resolved caller in the request locals.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			return c.Status(http.StatusUnauthorized).JSON(
				utils.CreateErrorResponse("UNAUTHORIZED", "Bearer token is required"))
		}
		caller, err := a.Verify(token)
		if err != nil {
			slog.Warn("Rejected bearer token", "path", c.Path(), "error", err, "security", true)
			return c.Status(http.StatusUnauthorized).JSON(
				utils.CreateErrorResponse("UNAUTHORIZED", "Invalid bearer token"))
		}
		c.Locals(callerLocalKey, caller)
		return c.Next()
	}
}

func callerFrom(c fiber.Ctx) models.Caller {
	caller, _ := c.Locals(callerLocalKey).(models.Caller)
	return caller
}
