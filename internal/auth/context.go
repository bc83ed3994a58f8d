package auth

import (
	"time"

	"github.com/plantlink/plantlink/internal/subject"
)

// ClientContext is the immutable identity attached to a session at
// authentication and destroyed at disconnect. The allow-lists are frozen
// after construction; callers receive copies from the accessors.
type ClientContext struct {
	clientID       string
	role           string
	allowPublish   []string
	allowSubscribe []string
	expiresAt      time.Time
	connectedAt    time.Time
}

// NewClientContext freezes the identity extracted from a verified token.
func NewClientContext(clientID, role string, allowPublish, allowSubscribe []string, expiresAt time.Time) *ClientContext {
	return &ClientContext{
		clientID:       clientID,
		role:           role,
		allowPublish:   append([]string(nil), allowPublish...),
		allowSubscribe: append([]string(nil), allowSubscribe...),
		expiresAt:      expiresAt,
		connectedAt:    time.Now(),
	}
}

func (c *ClientContext) ClientID() string       { return c.clientID }
func (c *ClientContext) Role() string           { return c.role }
func (c *ClientContext) ExpiresAt() time.Time   { return c.expiresAt }
func (c *ClientContext) ConnectedAt() time.Time { return c.connectedAt }

// AllowPublish returns a copy of the publish allow-list.
func (c *ClientContext) AllowPublish() []string {
	return append([]string(nil), c.allowPublish...)
}

// AllowSubscribe returns a copy of the subscribe allow-list.
func (c *ClientContext) AllowSubscribe() []string {
	return append([]string(nil), c.allowSubscribe...)
}

// Expired reports whether the token backing this session has lapsed.
func (c *ClientContext) Expired() bool {
	return !time.Now().Before(c.expiresAt)
}

// CanPublish reports whether the context may publish to s.
func (c *ClientContext) CanPublish(s string) bool {
	return subject.Allowed(c.allowPublish, s)
}

// CanSubscribe reports whether the context may subscribe to pattern or
// subject s.
func (c *ClientContext) CanSubscribe(s string) bool {
	return subject.Allowed(c.allowSubscribe, s)
}
