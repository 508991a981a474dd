package transfer

import "github.com/golang-jwt/jwt/v5"

// CustomClaims identifies the operator or service calling the API.
type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
