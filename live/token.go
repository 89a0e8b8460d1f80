package live

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// bearer token sent with the socket connect params and handshake.
// The server verifies it; the client only reads the claims.
type AuthToken struct {
	Token     string
	Subject   string
	Issuer    string
	ExpiresAt *time.Time
	Claims    map[string]any
}

func ParseAuthTokenUnverified(token string) (*AuthToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	authToken := &AuthToken{
		Token:  token,
		Claims: claims,
	}
	if subject, err := claims.GetSubject(); err == nil {
		authToken.Subject = subject
	}
	if issuer, err := claims.GetIssuer(); err == nil {
		authToken.Issuer = issuer
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		authToken.ExpiresAt = &expiresAt.Time
	}
	return authToken, nil
}

func (self *AuthToken) Expired(now time.Time) bool {
	return self.ExpiresAt != nil && !now.Before(*self.ExpiresAt)
}

// connect params for `WsSocketSettings.Params`
func (self *AuthToken) Params() map[string]string {
	return map[string]string{
		"token": self.Token,
	}
}
