package passport

import (
	"encoding/base64"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/oauth2"
	"within.website/ln"
)

// Token is the result of a token exchange or refresh. Values are never
// modified after they are handed out.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`

	// Obtained is when this token was received.
	Obtained time.Time `json:"-"`
}

// Expiry is when the access token stops working. Zero if the server did
// not say.
func (t Token) Expiry() time.Time {
	if t.ExpiresIn <= 0 || t.Obtained.IsZero() {
		return time.Time{}
	}

	return t.Obtained.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the access token is expired as of now.
func (t Token) Expired(now time.Time) bool {
	exp := t.Expiry()
	if exp.IsZero() {
		return false
	}

	return !now.Before(exp)
}

// Authorization is the value of the authorization header for this token.
func (t Token) Authorization() string {
	return t.TokenType + " " + t.AccessToken
}

// OAuth2 converts t for use with golang.org/x/oauth2.
func (t Token) OAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry(),
	}
}

// Fingerprint identifies the access token without revealing it.
func (t Token) Fingerprint() string {
	hsh := blake2b.Sum256([]byte(t.AccessToken))
	return base64.RawURLEncoding.EncodeToString(hsh[:12])
}

// F implements ln.Fer. The token itself is never included.
func (t Token) F() ln.F {
	return ln.F{
		"token_type":        t.TokenType,
		"token_fingerprint": t.Fingerprint(),
		"token_expires_in":  t.ExpiresIn,
		"token_scope":       t.Scope,
	}
}
