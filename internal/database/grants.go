package database

import (
	"errors"
	"time"

	"github.com/Xe/passport"
	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"within.website/ln"
)

// ErrNotFound is returned when no grant exists for a user.
var ErrNotFound = errors.New("database: grant not found")

// Grant is the token a Discord user handed us, stored so it outlives the
// request that obtained it.
type Grant struct {
	ID           string `storm:"id"` // Discord user id
	Username     string
	Code         string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        []string
	ExpiresAt    int64 `storm:"index"` // unix seconds, 0 if unknown
	Fingerprint  string
	UpdatedAt    time.Time
}

// NewGrant snapshots the state of an opened passport.
func NewGrant(p *passport.Passport, tok passport.Token) *Grant {
	g := &Grant{
		Code:         p.Code(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Scope:        p.Scope(),
		Fingerprint:  tok.Fingerprint(),
		UpdatedAt:    tok.Obtained.UTC(),
	}

	if exp := tok.Expiry(); !exp.IsZero() {
		g.ExpiresAt = exp.Unix()
	}

	if u := p.User(); u != nil {
		g.ID = u.ID
		g.Username = u.Username
	}

	return g
}

// Token rebuilds the passport token this grant was made from.
func (g Grant) Token() passport.Token {
	tok := passport.Token{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    g.TokenType,
	}

	if g.ExpiresAt != 0 {
		tok.Obtained = g.UpdatedAt
		tok.ExpiresIn = g.ExpiresAt - g.UpdatedAt.Unix()
	}

	return tok
}

// F implements ln.Fer.
func (g Grant) F() ln.F {
	return ln.F{
		"grant_user_id":     g.ID,
		"grant_username":    g.Username,
		"grant_fingerprint": g.Fingerprint,
		"grant_expires_at":  time.Unix(g.ExpiresAt, 0).UTC().Format(time.RFC3339),
	}
}

// Grants stores one Grant per Discord user.
type Grants interface {
	Put(g *Grant) error
	Get(userID string) (*Grant, error)
	Delete(userID string) error
	Expiring(before time.Time) ([]Grant, error)
}

type stormGrants struct {
	db *storm.DB
}

// NewStormGrants keeps grants in db.
func NewStormGrants(db *storm.DB) Grants {
	return &stormGrants{db: db}
}

func (s *stormGrants) Put(g *Grant) error {
	if g.ID == "" {
		return errors.New("database: grant has no user id")
	}

	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now().UTC()
	}

	return s.db.Save(g)
}

func (s *stormGrants) Get(userID string) (*Grant, error) {
	var g Grant
	err := s.db.One("ID", userID, &g)
	switch err {
	case nil:
	case storm.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, err
	}

	return &g, nil
}

func (s *stormGrants) Delete(userID string) error {
	g, err := s.Get(userID)
	if err != nil {
		return err
	}

	return s.db.DeleteStruct(g)
}

// Expiring lists grants with a known expiry at or before the given time,
// soonest first.
func (s *stormGrants) Expiring(before time.Time) ([]Grant, error) {
	query := s.db.Select(
		q.And(
			q.Gt("ExpiresAt", int64(0)),
			q.Lte("ExpiresAt", before.Unix()),
		),
	).OrderBy("ExpiresAt")

	var grants []Grant
	err := query.Find(&grants)
	switch err {
	case nil, storm.ErrNotFound:
	default:
		return nil, err
	}

	return grants, nil
}
