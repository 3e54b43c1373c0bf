package entities

import "time"

// Artifact describes one immutable stored blob. The ID is the hex sha256 of
// the contents, so identical bytes always resolve to the same artifact.
type Artifact struct {
	ID          string     `json:"id"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	Location    string     `json:"location"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (a *Artifact) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}
