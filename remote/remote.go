// Package remote is the boundary to the third-party service the fleet acts on.
//
// The orchestration core never talks to the service directly: it connects a
// Resource, invokes actions against targets and reads channel items through
// these interfaces, and classifies failures by the typed errors below.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Resource is what a client needs to open a session for one worker identity.
type Resource struct {
	ID            int64
	Label         string
	SessionHandle []byte
	Egress        *Egress
}

// Egress is an optional proxy descriptor.
type Egress struct {
	Scheme   string `json:"scheme" validate:"omitempty,oneof=http https socks5"`
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Handle is an open session. Its concrete type belongs to the Client.
type Handle interface{}

// Action names what to do to a target (e.g. "join", "react").
type Action struct {
	Name   string          `json:"name" validate:"required"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result is what a successful Invoke reports back.
type Result struct {
	// Skipped is set when the remote side reports the effect already applied.
	Skipped bool
	Detail  string
}

// Item is one new entry on a watched channel.
type Item struct {
	Position int64
	Key      string
	At       time.Time
}

// Client performs single remote calls on behalf of a resource.
// Implementations must honour ctx deadlines.
type Client interface {
	Connect(ctx context.Context, r Resource) (Handle, error)
	Invoke(ctx context.Context, h Handle, action Action, target string) (Result, error)
	Disconnect(ctx context.Context, h Handle) error
}

// Watcher reads channel items newer than a position, oldest first.
type Watcher interface {
	FetchSince(ctx context.Context, h Handle, channel string, after int64, limit int) ([]Item, error)
}
