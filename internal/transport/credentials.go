package transport

import (
	"context"
	"net/http"
)

// StaticCredentials supplies a fixed bearer token and organization id.
type StaticCredentials struct {
	Token          string
	OrganizationID string
}

// Headers returns the credential headers for a connect or session-start.
func (c StaticCredentials) Headers(context.Context) (http.Header, error) {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if c.OrganizationID != "" {
		h.Set("X-Organization-Id", c.OrganizationID)
	}
	return h, nil
}
