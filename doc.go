// Package passport completes Discord's OAuth2 authorization code flow for a
// single user.
//
// Create a Passport with the code Discord redirected back with, then Open it
// to exchange the code for a token. Depending on the scopes that were
// requested, Open also fetches the user's profile, guilds and connections:
//
//	p, err := passport.New(passport.Options{
//		Code:         r.URL.Query().Get("code"),
//		ClientID:     "your_client_id",
//		ClientSecret: "your_client_secret",
//		RedirectURI:  "https://example.com/callback",
//		Scope:        []string{"identify", "guilds", "guilds.join"},
//	})
//	if err != nil {
//		return err
//	}
//
//	tok, err := p.Open(ctx)
//	if err != nil {
//		return err
//	}
//
//	log.Printf("%s expires at %s", p.User().Username, tok.Expiry())
//
//	// requires the guilds.join scope and a bot token in Options
//	err = p.JoinGuild(ctx, "123456789012345678", nil)
//
// A Passport is not meant to be shared. Callers that Open, Refresh or
// JoinGuild from more than one goroutine must serialize those calls
// themselves.
package passport
