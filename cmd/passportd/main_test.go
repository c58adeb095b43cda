package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Xe/passport/internal/database"
	"github.com/Xe/passport/internal/ksecretbox"
	"github.com/asdine/storm/v3"
	"github.com/kr/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"within.website/ln"
)

func fakeDiscord(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good" {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"invalid_grant"}`)
				return
			}
			io.WriteString(w, `{"access_token":"A","refresh_token":"R","token_type":"Bearer","expires_in":604800,"scope":"identify guilds.join"}`)
		case "refresh_token":
			io.WriteString(w, `{"access_token":"A2","refresh_token":"R2","token_type":"Bearer","expires_in":604800,"scope":"identify guilds.join"}`)
		}
	})
	mux.HandleFunc("/api/users/@me", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"80351110224678912","username":"Nelly","discriminator":"1337"}`)
	})
	mux.HandleFunc("/api/guilds/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testSite(t *testing.T) (*site, database.Grants) {
	db, err := storm.Open(filepath.Join(t.TempDir(), "passport.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key, err := ksecretbox.GenerateKey()
	require.NoError(t, err)

	bl, err := BoltLogger(db.Bolt, "log", ln.NewTextFormatter())
	require.NoError(t, err)

	grants := database.NewStormGrants(db)
	s := &site{
		cfg: config{
			ClientID:     "client",
			ClientSecret: "secret",
			RedirectURI:  "https://example.com/callback",
			Scopes:       []string{"identify", "guilds.join"},
			APIBase:      fakeDiscord(t).URL,
		},
		scfg: &session.Config{
			Name:     "passport",
			HTTPOnly: true,
			Keys:     []*[32]byte{key},
		},
		grants: grants,
		log:    bl,
	}

	return s, grants
}

func do(t *testing.T, h http.Handler, method, target string, cookies []*http.Cookie) *http.Response {
	req := httptest.NewRequest(method, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result()
}

func login(t *testing.T, h http.Handler) (state string, cookies []*http.Cookie) {
	resp := do(t, h, http.MethodGet, "/login", nil)
	require.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/api/oauth2/authorize", loc.Path)
	assert.Equal(t, "client", loc.Query().Get("client_id"))
	assert.Equal(t, "identify guilds.join", loc.Query().Get("scope"))

	state = loc.Query().Get("state")
	require.NotEmpty(t, state)

	return state, resp.Cookies()
}

func TestFlow(t *testing.T) {
	s, grants := testSite(t)
	h := s.routes()

	state, cookies := login(t, h)

	resp := do(t, h, http.MethodGet, "/callback?code=good&state="+state, cookies)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/me", resp.Header.Get("Location"))
	cookies = resp.Cookies()

	g, err := grants.Get("80351110224678912")
	require.NoError(t, err)
	assert.Equal(t, "Nelly", g.Username)
	assert.Equal(t, "A", g.AccessToken)

	resp = do(t, h, http.MethodGet, "/me", cookies)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "Hi Nelly")

	resp = do(t, h, http.MethodPost, "/refresh", cookies)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	g, err = grants.Get("80351110224678912")
	require.NoError(t, err)
	assert.Equal(t, "A2", g.AccessToken)
	assert.Equal(t, "R2", g.RefreshToken)
	assert.Equal(t, "Nelly", g.Username)

	resp = do(t, h, http.MethodPost, "/join/123456789012345678", cookies)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, h, http.MethodPost, "/join/1234", cookies)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, h, http.MethodGet, "/debug/log", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCallbackRejects(t *testing.T) {
	s, _ := testSite(t)
	h := s.routes()

	t.Run("state mismatch", func(t *testing.T) {
		_, cookies := login(t, h)

		resp := do(t, h, http.MethodGet, "/callback?code=good&state=forged", cookies)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("no session", func(t *testing.T) {
		state, _ := login(t, h)

		resp := do(t, h, http.MethodGet, "/callback?code=good&state="+state, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("denied", func(t *testing.T) {
		resp := do(t, h, http.MethodGet, "/callback?error=access_denied", nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("bad code", func(t *testing.T) {
		state, cookies := login(t, h)

		resp := do(t, h, http.MethodGet, "/callback?code=bad&state="+state, cookies)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing code", func(t *testing.T) {
		state, cookies := login(t, h)

		resp := do(t, h, http.MethodGet, "/callback?state="+state, cookies)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("not logged in", func(t *testing.T) {
		resp := do(t, h, http.MethodGet, "/me", nil)
		assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
		assert.True(t, strings.HasSuffix(resp.Header.Get("Location"), "/login"))
	})
}

func TestLogout(t *testing.T) {
	s, grants := testSite(t)
	h := s.routes()

	state, cookies := login(t, h)
	resp := do(t, h, http.MethodGet, "/callback?code=good&state="+state, cookies)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	cookies = resp.Cookies()

	resp = do(t, h, http.MethodPost, "/logout", cookies)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, err := grants.Get("80351110224678912")
	assert.Equal(t, database.ErrNotFound, err)

	// the old cookie no longer has a grant behind it
	resp = do(t, h, http.MethodGet, "/me", cookies)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)

	resp = do(t, h, http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
}

func TestRefreshExpiring(t *testing.T) {
	s, grants := testSite(t)
	now := time.Now().UTC()

	soon := &database.Grant{
		ID:           "80351110224678912",
		Username:     "Nelly",
		Code:         "good",
		AccessToken:  "A",
		RefreshToken: "R",
		TokenType:    "Bearer",
		Scope:        []string{"identify", "guilds.join"},
		ExpiresAt:    now.Add(time.Hour).Unix(),
		UpdatedAt:    now.Add(-time.Hour),
	}
	later := &database.Grant{
		ID:           "80351110224678913",
		Username:     "Cadey",
		Code:         "good",
		AccessToken:  "B",
		RefreshToken: "S",
		TokenType:    "Bearer",
		Scope:        []string{"identify"},
		ExpiresAt:    now.Add(72 * time.Hour).Unix(),
		UpdatedAt:    now,
	}
	require.NoError(t, grants.Put(soon))
	require.NoError(t, grants.Put(later))

	n, err := s.refreshExpiring(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g, err := grants.Get(soon.ID)
	require.NoError(t, err)
	assert.Equal(t, "A2", g.AccessToken)
	assert.Equal(t, "R2", g.RefreshToken)
	assert.Equal(t, "Nelly", g.Username)
	assert.Greater(t, g.ExpiresAt, now.Add(24*time.Hour).Unix())

	g, err = grants.Get(later.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", g.AccessToken)

	n, err = s.refreshExpiring(context.Background(), now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
