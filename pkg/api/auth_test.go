package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

func TestExtractAuthor(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "forwarded user wins",
			headers: map[string]string{"X-Forwarded-User": "alice", "X-Forwarded-Email": "alice@example.com"},
			want:    "alice",
		},
		{
			name:    "falls back to forwarded email",
			headers: map[string]string{"X-Forwarded-Email": "bob@example.com", "X-Remote-User": "bob"},
			want:    "bob@example.com",
		},
		{
			name:    "falls back to remote user",
			headers: map[string]string{"X-Remote-User": "carol"},
			want:    "carol",
		},
		{
			name:    "defaults to api-client",
			headers: nil,
			want:    "api-client",
		},
	}

	e := echo.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			assert.Equal(t, tt.want, extractAuthor(c))
		})
	}
}
