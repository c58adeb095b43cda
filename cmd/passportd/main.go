package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Xe/passport"
	"github.com/Xe/passport/internal/database"
	"github.com/Xe/passport/internal/discord"
	"github.com/Xe/passport/internal/ksecretbox"
	"github.com/asdine/storm/v3"
	"github.com/caarlos0/env"
	_ "github.com/joho/godotenv/autoload"
	"github.com/kr/session"
	"github.com/rs/xid"
	chi "gopkg.in/chi.v3"
	"gopkg.in/chi.v3/middleware"
	"within.website/ln"
	"within.website/ln/opname"
)

type config struct {
	Port         string   `env:"PORT" envDefault:"9001"`
	SecretBoxKey string   `env:"SECRET_BOX_KEY,required"`
	DBPath       string   `env:"DB_PATH,required"`
	ClientID     string   `env:"DISCORD_CLIENT_ID,required"`
	ClientSecret string   `env:"DISCORD_CLIENT_SECRET,required"`
	RedirectURI  string   `env:"DISCORD_REDIRECT_URI,required"`
	Scopes       []string `env:"DISCORD_SCOPES" envDefault:"identify guilds" envSeparator:" "`
	BotToken     string   `env:"DISCORD_BOT_TOKEN"`
	GuildID      string   `env:"DISCORD_GUILD_ID"`
	APIBase      string   `env:"DISCORD_API_BASE" envDefault:"https://discord.com"`

	RefreshEvery  time.Duration `env:"REFRESH_EVERY" envDefault:"1h"`
	RefreshWithin time.Duration `env:"REFRESH_WITHIN" envDefault:"24h"`
}

func main() {
	ctx := opname.With(context.Background(), "main")
	var cfg config
	err := env.Parse(&cfg)
	if err != nil {
		ln.FatalErr(ctx, err)
	}

	if !hasScope(cfg.Scopes, discord.ScopeIdentify) {
		ln.Fatal(ctx, ln.Action("checking config"), ln.F{"err": "DISCORD_SCOPES must include identify"})
	}

	db, err := storm.Open(cfg.DBPath)
	if err != nil {
		ln.FatalErr(ctx, err)
	}
	defer db.Close()

	bl, err := BoltLogger(db.Bolt, "log", ln.NewTextFormatter())
	if err != nil {
		ln.FatalErr(ctx, err)
	}
	ln.DefaultLogger.Filters = append(ln.DefaultLogger.Filters, bl)

	keys, err := ksecretbox.ParseKeys(cfg.SecretBoxKey)
	if err != nil {
		ln.FatalErr(ctx, err)
	}

	s := &site{
		cfg: cfg,
		scfg: &session.Config{
			Name:     "passport",
			HTTPOnly: true,
			Keys:     keys,
		},
		grants: database.NewStormGrants(db),
		log:    bl,
	}

	if cfg.RefreshEvery > 0 {
		go s.refreshLoop(ctx, cfg.RefreshEvery, cfg.RefreshWithin)
	}

	ln.Log(ctx, ln.Action("serving http"), ln.F{"port": cfg.Port, "scopes": cfg.Scopes})
	err = http.ListenAndServe(":"+cfg.Port, s.routes())
	if err != nil {
		ln.FatalErr(ctx, err)
	}
}

type site struct {
	cfg       config
	scfg      *session.Config
	grants    database.Grants
	log       http.Handler
	transport passport.Transport
}

type sessionData struct {
	ID    string
	State string
}

type ctxKey int

const sessionKey ctxKey = iota

func (s *site) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.renderTemplatePage("index.html", nil).ServeHTTP)
	r.Get("/login", s.login)
	r.Get("/callback", s.callback)

	r.Group(func(r chi.Router) {
		r.Use(s.isLoggedIn)
		r.Post("/logout", s.logout)
		r.Get("/me", s.me)
		r.Post("/refresh", s.refresh)
		r.Post("/join/{guild}", s.join)
	})

	if s.log != nil {
		r.Get("/debug/log", s.log.ServeHTTP)
	}

	return r
}

func hasScope(scopes []string, want string) bool {
	for _, sc := range scopes {
		if sc == want {
			return true
		}
	}

	return false
}

func (s *site) options(code, state string, scope []string) passport.Options {
	return passport.Options{
		Code:         code,
		State:        state,
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		RedirectURI:  s.cfg.RedirectURI,
		Scope:        scope,
		BotToken:     s.cfg.BotToken,
		BaseURL:      s.cfg.APIBase,
		Transport:    s.transport,
	}
}

// fail logs err and sends the client a bare status page.
func (s *site) fail(ctx context.Context, w http.ResponseWriter, err error, code int, action string) {
	var perr *passport.Error
	if errors.As(err, &perr) {
		ln.Error(ctx, err, ln.Action(action), perr)
	} else {
		ln.Error(ctx, err, ln.Action(action))
	}

	http.Error(w, http.StatusText(code), code)
}

// statusFor maps passport failures onto what the client did wrong, if
// anything.
func statusFor(err error) int {
	switch {
	case errors.Is(err, passport.ErrValidation), errors.Is(err, passport.ErrPrecondition), errors.Is(err, passport.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, passport.ErrTokenExchange), errors.Is(err, passport.ErrAuth):
		return http.StatusForbidden
	default:
		return http.StatusBadGateway
	}
}

func (s *site) isLoggedIn(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ss sessionData
		err := session.Get(r, &ss, s.scfg)
		if err != nil || ss.ID == "" {
			if err != nil {
				ln.Error(r.Context(), err, ln.Action("redirecting to /login"))
			}
			http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, ss)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *site) login(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "login")

	state := xid.New().String()
	if err := session.Set(w, sessionData{State: state}, s.scfg); err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "setting session")
		return
	}

	http.Redirect(w, r, s.options("", state, s.cfg.Scopes).AuthURL(state), http.StatusTemporaryRedirect)
}

func (s *site) callback(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "callback")
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		ln.Log(ctx, ln.Action("authorization denied"), ln.F{"error": e, "error_description": q.Get("error_description")})
		http.Error(w, "authorization denied: "+e, http.StatusForbidden)
		return
	}

	var ss sessionData
	err := session.Get(r, &ss, s.scfg)
	if err != nil || ss.State == "" || ss.State != q.Get("state") {
		ln.Log(ctx, ln.Action("rejecting callback"), ln.F{"reason": "state mismatch"})
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	p, err := passport.New(s.options(q.Get("code"), ss.State, s.cfg.Scopes))
	if err != nil {
		s.fail(ctx, w, err, http.StatusBadRequest, "creating passport")
		return
	}

	tok, err := p.Open(ctx)
	if err != nil {
		s.fail(ctx, w, err, statusFor(err), "opening passport")
		return
	}

	g := database.NewGrant(p, tok)
	if err := s.grants.Put(g); err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "saving grant")
		return
	}
	ln.Log(ctx, ln.Action("saved grant"), g)

	if s.cfg.GuildID != "" && p.HasScope(discord.ScopeGuildsJoin) {
		if err := p.JoinGuild(ctx, s.cfg.GuildID, nil); err != nil {
			ln.Error(ctx, err, ln.Action("auto-joining guild"), g)
		}
	}

	if err := session.Set(w, sessionData{ID: g.ID}, s.scfg); err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "setting session")
		return
	}

	http.Redirect(w, r, "/me", http.StatusFound)
}

func (s *site) logout(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "logout")
	ss, _ := ctx.Value(sessionKey).(sessionData)

	err := s.grants.Delete(ss.ID)
	if err != nil && err != database.ErrNotFound {
		s.fail(ctx, w, err, http.StatusInternalServerError, "deleting grant")
		return
	}
	ln.Log(ctx, ln.Action("deleted grant"), ln.F{"grant_user_id": ss.ID})

	if err := session.Set(w, sessionData{}, s.scfg); err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "clearing session")
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// grant loads the logged in user's grant and a passport restored from it.
func (s *site) grant(ctx context.Context) (*database.Grant, *passport.Passport, error) {
	ss, _ := ctx.Value(sessionKey).(sessionData)

	g, err := s.grants.Get(ss.ID)
	if err != nil {
		return nil, nil, err
	}

	p, err := s.restore(g)
	if err != nil {
		return nil, nil, err
	}

	return g, p, nil
}

func (s *site) restore(g *database.Grant) (*passport.Passport, error) {
	p, err := passport.New(s.options(g.Code, "", g.Scope))
	if err != nil {
		return nil, err
	}
	p.Restore(g.Token(), g.ID)

	return p, nil
}

// refreshGrant renews g's token and stores the result.
func (s *site) refreshGrant(ctx context.Context, g *database.Grant, p *passport.Passport) (*database.Grant, error) {
	tok, err := p.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	ng := database.NewGrant(p, tok)
	ng.Username = g.Username
	if err := s.grants.Put(ng); err != nil {
		return nil, err
	}
	ln.Log(ctx, ln.Action("refreshed grant"), ng)

	return ng, nil
}

// refreshExpiring refreshes every grant that expires before the given
// time. A grant that fails to refresh is logged and skipped.
func (s *site) refreshExpiring(ctx context.Context, before time.Time) (int, error) {
	ctx = opname.With(ctx, "refreshExpiring")

	grants, err := s.grants.Expiring(before)
	if err != nil {
		return 0, err
	}

	var n int
	for i := range grants {
		g := &grants[i]

		p, err := s.restore(g)
		if err == nil {
			_, err = s.refreshGrant(ctx, g, p)
		}
		if err != nil {
			ln.Error(ctx, err, ln.Action("refreshing expiring grant"), g)
			continue
		}
		n++
	}

	return n, nil
}

func (s *site) refreshLoop(ctx context.Context, every, within time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := s.refreshExpiring(ctx, now.Add(within))
			if err != nil {
				ln.Error(ctx, err, ln.Action("listing expiring grants"))
				continue
			}
			ln.Log(ctx, ln.Action("refreshed expiring grants"), ln.F{"count": n})
		}
	}
}

type meView struct {
	*database.Grant
	Expires string
}

func (s *site) me(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "me")

	g, _, err := s.grant(ctx)
	if err == database.ErrNotFound {
		http.Redirect(w, r, "/login", http.StatusTemporaryRedirect)
		return
	}
	if err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "loading grant")
		return
	}

	v := meView{Grant: g, Expires: "unknown"}
	if g.ExpiresAt != 0 {
		v.Expires = time.Unix(g.ExpiresAt, 0).UTC().Format(time.RFC1123)
	}

	s.renderTemplate(w, r, "me.html", v)
}

func (s *site) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "refresh")

	g, p, err := s.grant(ctx)
	if err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "loading grant")
		return
	}

	if _, err := s.refreshGrant(ctx, g, p); err != nil {
		s.fail(ctx, w, err, statusFor(err), "refreshing grant")
		return
	}

	http.Redirect(w, r, "/me", http.StatusSeeOther)
}

func (s *site) join(w http.ResponseWriter, r *http.Request) {
	ctx := opname.With(r.Context(), "join")
	guild := chi.URLParam(r, "guild")

	_, p, err := s.grant(ctx)
	if err != nil {
		s.fail(ctx, w, err, http.StatusInternalServerError, "loading grant")
		return
	}

	if err := p.JoinGuild(ctx, guild, nil); err != nil {
		s.fail(ctx, w, err, statusFor(err), "joining guild")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
