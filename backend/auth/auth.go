package auth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/callroom-signaling/backend/model"
	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

const (
	defaultTokenTTL = 15 * time.Minute
	clockLeeway     = 5 * time.Second

	tokenQueryParam = "token"
	bearerPrefix    = "bearer "
)

var (
	ErrNoSecret     = errors.New("auth secret is not configured")
	ErrMissingToken = errors.New("missing authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

type Config struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// Authenticator issues and verifies HS256 identity tokens.
// The subject is the numeric user id, display attributes travel as private claims.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	signer jose.Signer
}

type claims struct {
	jwt.Claims
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrNoSecret
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: cfg.Secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = defaultTokenTTL
	}
	return &Authenticator{
		secret: cfg.Secret,
		issuer: cfg.Issuer,
		ttl:    ttl,
		signer: signer,
	}, nil
}

func (a *Authenticator) Issue(p model.Participant) (string, error) {
	now := time.Now()
	c := claims{
		Claims: jwt.Claims{
			Subject:  strconv.FormatInt(int64(p.ID), 10),
			Issuer:   a.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		AvatarURL: p.AvatarURL,
	}
	return jwt.Signed(a.signer).Claims(c).CompactSerialize()
}

func (a *Authenticator) Verify(token string) (model.Participant, error) {
	if token == "" {
		return model.Participant{}, ErrMissingToken
	}
	tok, err := jwt.ParseSigned(token)
	if err != nil {
		return model.Participant{}, errors.Join(ErrInvalidToken, err)
	}
	var c claims
	if err = tok.Claims(a.secret, &c); err != nil {
		return model.Participant{}, errors.Join(ErrInvalidToken, err)
	}
	if err = c.ValidateWithLeeway(jwt.Expected{Issuer: a.issuer, Time: time.Now()}, clockLeeway); err != nil {
		return model.Participant{}, errors.Join(ErrInvalidToken, err)
	}
	if c.Expiry == nil {
		return model.Participant{}, errors.Join(ErrInvalidToken, errors.New("token has no expiry"))
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return model.Participant{}, errors.Join(ErrInvalidToken, err)
	}
	return model.Participant{
		ID:        model.UserID(id),
		Username:  c.Username,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		AvatarURL: c.AvatarURL,
	}, nil
}

// TokenFromRequest looks for the token in the query string first, then in the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.ToLower(header[:len(bearerPrefix)]) == bearerPrefix {
		return strings.TrimSpace(header[len(bearerPrefix):])
	}
	return ""
}
