package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT. The
// account id is the member's Telegram user id.
type AccessTokenPayload struct {
	AccountID int64
	Role      enums.Role
	JTI       string
}

// AccessTokenClaims represents the typed JWT issued to the bot frontend and
// operators.
type AccessTokenClaims struct {
	AccountID int64      `json:"account_id"`
	Role      enums.Role `json:"role"`
	jwt.RegisteredClaims
}
