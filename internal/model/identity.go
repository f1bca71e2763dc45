package model

import "time"

// IdentityState represents the lifecycle of a network identity.
type IdentityState string

const (
	IdentityActive  IdentityState = "active"
	IdentityCooling IdentityState = "cooling" // past its request threshold, resting
	IdentityBurned  IdentityState = "burned"  // auth rejected; out for the rest of the run
)

// NetworkIdentity is a leased outbound identity: a proxy endpoint plus the
// session established through it. The session manager owns identities;
// workers borrow one read-only for the duration of a single request.
// Rotation replaces a lease, it never mutates a borrowed identity.
type NetworkIdentity struct {
	ID             string        `json:"id"`
	Label          string        `json:"label"`
	ProxyURL       string        `json:"proxy_url,omitempty"`
	UserAgent      string        `json:"user_agent"`
	SessionToken   string        `json:"session_token,omitempty"`
	State          IdentityState `json:"state"`
	RequestsServed int           `json:"requests_served"`
	FailureCount   int           `json:"failure_count"`
	RotateAfter    int           `json:"rotate_after"` // request threshold before forced rotation
	CreatedAt      time.Time     `json:"created_at"`
	CooledUntil    *time.Time    `json:"cooled_until,omitempty"`
}
