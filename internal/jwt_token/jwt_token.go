package jwttoken

import "strings"

const bearerPrefix = "Bearer "

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(authHeader string) (string, bool) {
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
