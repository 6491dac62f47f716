package middleware

import (
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Claims carries the upstream identity attached to a request. This layer
// never issues sessions for end users; it only parses what the identity
// provider already signed.
type Claims struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
	jwt.RegisteredClaims
}

func getJWTSecret() string {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "rampart-default-secret-change-in-production"
	}
	return secret
}

// GenerateToken signs an identity token. Used by tests and the admin seed.
func GenerateToken(userID uuid.UUID, username string, isAdmin bool) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(getJWTSecret()))
}

func parseBearer(c *fiber.Ctx) *Claims {
	tokenString := c.Get("Authorization")
	if tokenString == "" {
		return nil
	}
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(getJWTSecret()), nil
	})
	if err != nil || !token.Valid {
		return nil
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// Identity attaches the upstream identity to Locals when a valid bearer token
// is present. Requests without one pass through anonymously.
func Identity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if claims := parseBearer(c); claims != nil {
			c.Locals("user_id", claims.UserID)
			c.Locals("username", claims.Username)
			c.Locals("is_admin", claims.IsAdmin)
		}
		return c.Next()
	}
}

// AdminAccess guards the out-of-band management endpoints. It accepts either
// an admin-flagged bearer token or the X-Admin-Password header checked
// against the bcrypt hash in ADMIN_PASSWORD_HASH.
func AdminAccess() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if claims := parseBearer(c); claims != nil && claims.IsAdmin {
			c.Locals("user_id", claims.UserID)
			c.Locals("username", claims.Username)
			c.Locals("is_admin", true)
			return c.Next()
		}

		hash := os.Getenv("ADMIN_PASSWORD_HASH")
		password := c.Get("X-Admin-Password")
		if hash != "" && password != "" {
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err == nil {
				return c.Next()
			}
		}

		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"message": "Admin access required",
		})
	}
}

// GetIdentity returns the request identity as a stable string, "" when the
// request is anonymous.
func GetIdentity(c *fiber.Ctx) string {
	username, ok := c.Locals("username").(string)
	if !ok {
		return ""
	}
	return username
}

func GetUserID(c *fiber.Ctx) uuid.UUID {
	userID, ok := c.Locals("user_id").(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return userID
}
