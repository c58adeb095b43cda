// Package discord provides constants for using OAuth2 to access the Discord API.
package discord

import (
	"net/url"

	"golang.org/x/oauth2"
)

// BaseURL is where the Discord API lives.
const BaseURL = "https://discord.com"

// Endpoint is the Discord API's OAuth 2.0 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   BaseURL + AuthorizePath,
	TokenURL:  BaseURL + TokenPath,
	AuthStyle: oauth2.AuthStyleInParams,
}

// API paths, relative to BaseURL.
const (
	AuthorizePath   = "/api/oauth2/authorize"
	TokenPath       = "/api/oauth2/token"
	UserPath        = "/api/users/@me"
	GuildsPath      = "/api/users/@me/guilds"
	ConnectionsPath = "/api/users/@me/connections"
)

// GuildMemberPath is the path used to add userID to guildID.
func GuildMemberPath(guildID, userID string) string {
	return "/api/guilds/" + url.PathEscape(guildID) + "/members/" + url.PathEscape(userID)
}

// OAuth2 scopes this module knows how to act on.
const (
	ScopeIdentify    = "identify"
	ScopeEmail       = "email"
	ScopeGuilds      = "guilds"
	ScopeConnections = "connections"
	ScopeGuildsJoin  = "guilds.join"
)
