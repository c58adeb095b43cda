package passport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Xe/passport/internal/discord"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/oauth2"
	"within.website/ln"
	"within.website/ln/opname"
)

// Options configure a Passport.
type Options struct {
	// Code is the code returned from the oauth flow. Required.
	Code string
	// State is passed through the flow if set.
	State string
	// ClientID and ClientSecret are the application's credentials. Required.
	ClientID     string
	ClientSecret string
	// RedirectURI must match the one used in the authorization url. Required.
	RedirectURI string
	// Scope is the list of scopes requested in the authorization url. Required.
	Scope []string

	// BotToken authorizes JoinGuild. Discord only lets bots add members.
	BotToken string

	// BaseURL defaults to https://discord.com.
	BaseURL string
	// Transport defaults to an HTTPTransport using http.DefaultClient.
	Transport Transport
}

func (o Options) baseURL() string {
	if o.BaseURL == "" {
		return discord.BaseURL
	}

	return strings.TrimSuffix(o.BaseURL, "/")
}

// AuthURL is where to send the user to start the flow. Only ClientID,
// RedirectURI, Scope and BaseURL are used.
func (o Options) AuthURL(state string) string {
	base := o.baseURL()
	cfg := oauth2.Config{
		ClientID:    o.ClientID,
		RedirectURL: o.RedirectURI,
		Scopes:      o.Scope,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + discord.AuthorizePath,
			TokenURL:  base + discord.TokenPath,
			AuthStyle: discord.Endpoint.AuthStyle,
		},
	}

	return cfg.AuthCodeURL(state)
}

// Passport is one OAuth2 session for one Discord user.
type Passport struct {
	code         string
	state        string
	clientID     string
	clientSecret string
	redirectURI  string
	scope        []string
	botToken     string
	baseURL      string
	transport    Transport
	now          func() time.Time

	mu             sync.Mutex
	token          *Token
	user           *discordgo.User
	rawUser        json.RawMessage
	guilds         []*discordgo.UserGuild
	rawGuilds      json.RawMessage
	connections    []*discordgo.UserConnection
	rawConnections json.RawMessage
}

// New creates a new passport flow. It fails with a KindConfig error naming
// the first required option that is missing.
func New(opts Options) (*Passport, error) {
	switch {
	case opts.Code == "":
		return nil, configError("code")
	case opts.ClientID == "":
		return nil, configError("client_id")
	case opts.ClientSecret == "":
		return nil, configError("client_secret")
	case opts.RedirectURI == "":
		return nil, configError("redirect_uri")
	case len(opts.Scope) == 0:
		return nil, configError("scope")
	}

	tr := opts.Transport
	if tr == nil {
		tr = HTTPTransport{Client: http.DefaultClient}
	}

	return &Passport{
		code:         opts.Code,
		state:        opts.State,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURI:  opts.RedirectURI,
		scope:        append([]string(nil), opts.Scope...),
		botToken:     opts.BotToken,
		baseURL:      opts.baseURL(),
		transport:    tr,
		now:          time.Now,
	}, nil
}

// Code is the authorization code this passport was created with.
func (p *Passport) Code() string { return p.code }

// State is the passthrough state, if any.
func (p *Passport) State() string { return p.state }

// Scope returns a copy of the requested scopes.
func (p *Passport) Scope() []string { return append([]string(nil), p.scope...) }

// HasScope reports whether s was requested.
func (p *Passport) HasScope(s string) bool {
	for _, sc := range p.scope {
		if sc == s {
			return true
		}
	}

	return false
}

// Token returns the latest token snapshot. ok is false until Open or
// Refresh has succeeded.
func (p *Passport) Token() (tok Token, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		return Token{}, false
	}

	return *p.token, true
}

// User is the authorized user. Requires the identify scope.
func (p *Passport) User() *discordgo.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user
}

// RawUser is the user exactly as Discord sent it.
func (p *Passport) RawUser() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rawUser
}

// Guilds lists the user's guilds, with limited information. Requires the
// guilds scope.
func (p *Passport) Guilds() []*discordgo.UserGuild {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.guilds
}

// RawGuilds is the guild list exactly as Discord sent it.
func (p *Passport) RawGuilds() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rawGuilds
}

// Connections lists the user's connected accounts. Requires the
// connections scope.
func (p *Passport) Connections() []*discordgo.UserConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections
}

// RawConnections is the connection list exactly as Discord sent it.
func (p *Passport) RawConnections() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rawConnections
}

// Restore seeds p with a token obtained earlier, e.g. one loaded from
// storage, so Refresh and JoinGuild work without a fresh Open. userID may
// be empty.
func (p *Passport) Restore(tok Token, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.token = &tok
	if userID != "" && (p.user == nil || p.user.ID != userID) {
		p.user = &discordgo.User{ID: userID}
	}
}

func (p *Passport) form(grantType string) url.Values {
	form := url.Values{}
	form.Set("client_id", p.clientID)
	form.Set("client_secret", p.clientSecret)
	form.Set("grant_type", grantType)
	form.Set("redirect_uri", p.redirectURI)
	form.Set("scope", strings.Join(p.scope, " "))
	if p.state != "" {
		form.Set("state", p.state)
	}

	return form
}

// Open exchanges the authorization code for a token, then fetches the
// user, guilds and connections, in that order, for each of the identify,
// guilds and connections scopes that were requested.
func (p *Passport) Open(ctx context.Context) (Token, error) {
	ctx = opname.With(ctx, "passport.Open")

	form := p.form("authorization_code")
	form.Set("code", p.code)

	tok, err := p.exchange(ctx, "open", form)
	if err != nil {
		return Token{}, err
	}

	p.mu.Lock()
	p.token = &tok
	p.mu.Unlock()

	ln.Log(ctx, ln.Action("opened authorization"), tok)

	if p.HasScope(discord.ScopeIdentify) {
		var u discordgo.User
		raw, err := p.fetch(ctx, tok, discord.ScopeIdentify, discord.UserPath, &u)
		if err != nil {
			return tok, err
		}

		p.mu.Lock()
		p.user, p.rawUser = &u, raw
		p.mu.Unlock()
	}

	if p.HasScope(discord.ScopeGuilds) {
		var gs []*discordgo.UserGuild
		raw, err := p.fetch(ctx, tok, discord.ScopeGuilds, discord.GuildsPath, &gs)
		if err != nil {
			return tok, err
		}

		p.mu.Lock()
		p.guilds, p.rawGuilds = gs, raw
		p.mu.Unlock()
	}

	if p.HasScope(discord.ScopeConnections) {
		var cs []*discordgo.UserConnection
		raw, err := p.fetch(ctx, tok, discord.ScopeConnections, discord.ConnectionsPath, &cs)
		if err != nil {
			return tok, err
		}

		p.mu.Lock()
		p.connections, p.rawConnections = cs, raw
		p.mu.Unlock()
	}

	return tok, nil
}

// Refresh renews the access token using the current refresh token.
func (p *Passport) Refresh(ctx context.Context) (Token, error) {
	ctx = opname.With(ctx, "passport.Refresh")

	cur, ok := p.Token()
	if !ok || cur.RefreshToken == "" {
		return Token{}, &Error{
			Kind:  KindPrecondition,
			Op:    "refresh",
			Field: "refresh_token",
			Msg:   "attempted to refresh authorization before opening one",
		}
	}

	form := p.form("refresh_token")
	form.Set("refresh_token", cur.RefreshToken)

	tok, err := p.exchange(ctx, "refresh", form)
	if err != nil {
		return Token{}, err
	}

	p.mu.Lock()
	p.token = &tok
	p.mu.Unlock()

	ln.Log(ctx, ln.Action("refreshed authorization"), tok)

	return tok, nil
}

func (p *Passport) exchange(ctx context.Context, op string, form url.Values) (Token, error) {
	resp, err := p.transport.Send(ctx, &Request{
		Method: http.MethodPost,
		URL:    p.baseURL + discord.TokenPath,
		Header: http.Header{
			"Content-Type": {"application/x-www-form-urlencoded"},
			"Accept":       {"application/json"},
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return Token{}, &Error{Kind: KindRequest, Op: op, Msg: "unable to fetch the token with given options", Err: err}
	}

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return Token{}, &Error{Kind: KindRequest, Op: op, Msg: fmt.Sprintf("unable to fetch the token with given options: empty response with status %d", resp.StatusCode)}
	}

	var tok Token
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		return Token{}, &Error{
			Kind: KindTokenExchange,
			Op:   op,
			Msg:  "unable to fetch the token with given options, make sure they are correct",
			Body: resp.Body,
			Err:  err,
		}
	}
	tok.Obtained = p.now()

	return tok, nil
}

func (p *Passport) fetch(ctx context.Context, tok Token, scope, path string, v interface{}) (json.RawMessage, error) {
	resp, err := p.transport.Send(ctx, &Request{
		Method: http.MethodGet,
		URL:    p.baseURL + path,
		Header: http.Header{
			"Authorization": {tok.Authorization()},
			"Accept":        {"application/json"},
		},
	})
	if err != nil {
		return nil, &Error{Kind: KindAuth, Op: "open", Field: scope, Msg: "authorization failed", Err: err}
	}

	if !resp.OK() {
		return nil, &Error{Kind: KindAuth, Op: "open", Field: scope, Msg: fmt.Sprintf("authorization failed with status %d", resp.StatusCode), Body: resp.Body}
	}

	if err := resp.JSON(v); err != nil {
		return nil, &Error{Kind: KindAuth, Op: "open", Field: scope, Msg: "authorization failed", Body: resp.Body, Err: err}
	}

	return json.RawMessage(resp.Body), nil
}

// Member describes how the user should look once they join a guild. The
// zero value leaves everything up to Discord.
type Member struct {
	// Nick requires MANAGE_NICKNAMES.
	Nick string
	// Roles requires MANAGE_ROLES.
	Roles []string
	// Mute requires MUTE_MEMBERS.
	Mute bool
	// Deaf requires DEAFEN_MEMBERS.
	Deaf bool
}

type guildMemberAdd struct {
	AccessToken string   `json:"access_token"`
	Nick        *string  `json:"nick"`
	Roles       []string `json:"roles"`
	Mute        bool     `json:"mute"`
	Deaf        bool     `json:"deaf"`
}

// JoinGuild adds the user to guild, an 18 digit snowflake. It requires the
// guilds.join scope and a user id, which Open fetches when identify was
// requested. m may be nil.
func (p *Passport) JoinGuild(ctx context.Context, guild string, m *Member) error {
	ctx = opname.With(ctx, "passport.JoinGuild")

	if !p.HasScope(discord.ScopeGuildsJoin) {
		return &Error{Kind: KindPrecondition, Op: "join guild", Field: discord.ScopeGuildsJoin, Msg: "requires the guilds.join scope"}
	}

	if guild == "" {
		return &Error{Kind: KindPrecondition, Op: "join guild", Field: "guild", Msg: "the guild param is missing"}
	}

	if err := validSnowflake("join guild", "guild", guild); err != nil {
		return err
	}

	tok, ok := p.Token()
	if !ok {
		return &Error{Kind: KindPrecondition, Op: "join guild", Field: "token", Msg: "attempted to join a guild before opening an authorization"}
	}

	u := p.User()
	if u == nil || u.ID == "" {
		return &Error{Kind: KindPrecondition, Op: "join guild", Field: discord.ScopeIdentify, Msg: "the user id is unknown, request the identify scope"}
	}

	body := guildMemberAdd{AccessToken: tok.AccessToken}
	if m != nil {
		if m.Nick != "" {
			body.Nick = &m.Nick
		}
		body.Roles = m.Roles
		body.Mute = m.Mute
		body.Deaf = m.Deaf
	}

	data, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindRequest, Op: "join guild", Msg: "could not encode member", Err: err}
	}

	h := http.Header{"Content-Type": {"application/json"}}
	if p.botToken != "" {
		h.Set("Authorization", "Bot "+p.botToken)
	}

	resp, err := p.transport.Send(ctx, &Request{
		Method: http.MethodPut,
		URL:    p.baseURL + discord.GuildMemberPath(guild, u.ID),
		Header: h,
		Body:   data,
	})
	if err != nil {
		return &Error{Kind: KindRequest, Op: "join guild", Field: "guild", Msg: "could not add the user to the guild, make sure the client has CREATE_INSTANT_INVITE permissions", Err: err}
	}

	// 201 means the user was added, 204 that they were already a member.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return &Error{Kind: KindRequest, Op: "join guild", Field: "guild", Msg: fmt.Sprintf("could not add the user to the guild (status %d), make sure the client has CREATE_INSTANT_INVITE permissions", resp.StatusCode), Body: resp.Body}
	}

	ln.Log(ctx, ln.Action("joined guild"), ln.F{"guild_id": guild, "user_id": u.ID, "already_member": resp.StatusCode == http.StatusNoContent})

	return nil
}

// TokenSource returns an oauth2.TokenSource serving p's current token and
// refreshing it with ctx once it expires.
func (p *Passport) TokenSource(ctx context.Context) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, tokenSource{ctx: ctx, p: p})
}

type tokenSource struct {
	ctx context.Context
	p   *Passport
}

func (ts tokenSource) Token() (*oauth2.Token, error) {
	tok, ok := ts.p.Token()
	if !ok {
		return nil, &Error{Kind: KindPrecondition, Op: "token", Field: "token", Msg: "attempted to use authorization before opening one"}
	}

	// oauth2 considers a token stale a few seconds before its expiry.
	if !tok.OAuth2().Valid() || tok.Expired(ts.p.now()) {
		var err error
		tok, err = ts.p.Refresh(ts.ctx)
		if err != nil {
			return nil, err
		}
	}

	return tok.OAuth2(), nil
}
