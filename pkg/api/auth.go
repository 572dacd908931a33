package api

import (
	echo "github.com/labstack/echo/v5"
)

// authorFallback attributes requests that reach the API without any identity
// header, e.g. direct curl against a port-forward.
const authorFallback = "api-client"

// authorHeaders in priority order: oauth2-proxy sets the first two,
// kube-rbac-proxy sets the third.
var authorHeaders = []string{
	"X-Forwarded-User",
	"X-Forwarded-Email",
	"X-Remote-User",
}

// extractAuthor resolves who is behind the request from proxy identity
// headers. Used for log attribution on mutating handlers only; it is not an
// authorization check.
func extractAuthor(c *echo.Context) string {
	for _, h := range authorHeaders {
		if v := c.Request().Header.Get(h); v != "" {
			return v
		}
	}
	return authorFallback
}
