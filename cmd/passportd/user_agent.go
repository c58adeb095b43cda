package main

import (
	"net/http"

	"github.com/Xe/passport"
)

func init() {
	http.DefaultTransport = passport.UserAgentTransport{RT: http.DefaultTransport}
}
