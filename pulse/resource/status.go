// Package resource is the registry of worker identities: their session
// material, egress descriptor and health status.
package resource

import "github.com/teranos/fleet/remote"

// Status is the health of a resource
type Status string

const (
	StatusNew         Status = "new"
	StatusActive      Status = "active"
	StatusNeedsReauth Status = "needs_reauth"
	StatusRateLimited Status = "rate_limited"
	StatusFrozen      Status = "frozen"
	StatusBanned      Status = "banned"
)

// AllStatuses lists every status, healthiest first
var AllStatuses = []Status{
	StatusNew, StatusActive, StatusRateLimited, StatusNeedsReauth, StatusFrozen, StatusBanned,
}

// Moves are one-directional toward failure; rate_limited is the only status
// that recovers on its own. Reinstate bypasses this table.
var allowedTransitions = map[Status][]Status{
	StatusNew:         {StatusActive, StatusNeedsReauth, StatusRateLimited, StatusFrozen, StatusBanned},
	StatusActive:      {StatusNeedsReauth, StatusRateLimited, StatusFrozen, StatusBanned},
	StatusRateLimited: {StatusActive, StatusNeedsReauth, StatusFrozen, StatusBanned},
	StatusNeedsReauth: {StatusFrozen, StatusBanned},
	StatusFrozen:      {StatusBanned},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Eligible reports whether a resource in this status may be assigned work
func (s Status) Eligible() bool {
	return s == StatusNew || s == StatusActive
}

// IsValidStatus returns true if s names a Status
func IsValidStatus(s string) bool {
	for _, st := range AllStatuses {
		if Status(s) == st {
			return true
		}
	}
	return false
}

// FromRemote maps the status carried by remote.InvalidResourceError.
// Unknown values are treated as needs_reauth.
func FromRemote(status string) Status {
	switch status {
	case remote.StatusFrozen:
		return StatusFrozen
	case remote.StatusBanned:
		return StatusBanned
	default:
		return StatusNeedsReauth
	}
}
