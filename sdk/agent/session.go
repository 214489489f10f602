package agent

import (
	"context"
	"net/http"
)

// Session lifecycle endpoints. SendMessage can create a session implicitly;
// the calls below cover explicit management: enumeration, creation bound to a
// workspace directory, rename, abort and deletion.

func sessionPath(sessionID string, sub string) string {
	p := "/session/" + sessionID
	if sub != "" {
		p += "/" + sub
	}
	return p
}

// ListSessions returns every session the server knows about.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.doRequest(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session. A nil request creates one in the client's
// default directory.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*Session, error) {
	if req == nil {
		req = &CreateSessionRequest{}
	}
	var sess Session
	if err := c.doRequest(ctx, http.MethodPost, "/session", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession retrieves one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := c.doRequest(ctx, http.MethodGet, sessionPath(sessionID, ""), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession updates mutable session fields, currently the title.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, req *UpdateSessionRequest) (*Session, error) {
	var sess Session
	if err := c.doRequest(ctx, http.MethodPatch, sessionPath(sessionID, ""), req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// AbortSession asks the server to stop the session's in-flight generation.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	var ok bool
	return c.doRequest(ctx, http.MethodPost, sessionPath(sessionID, "abort"), nil, &ok)
}

// DeleteSession removes a session and everything under it.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	var ok bool
	return c.doRequest(ctx, http.MethodDelete, sessionPath(sessionID, ""), nil, &ok)
}
