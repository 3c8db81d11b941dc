// Package sessions analyzes plan text for platform/domain mentions and
// cross-references them against previously captured authentication sessions.
//
// The analysis is advisory context for the agent prompt. Text-based domain
// detection produces false positives by design, so a missing session never
// blocks execution; the agent reports session_needed if it actually cannot
// proceed.
package sessions

import "time"

// Record is a previously captured credential/cookie bundle for a platform or
// domain. Read-only from the engine's perspective: new sessions are requested
// through activity-log entries and materialized by an external collaborator.
type Record struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Domain     string    `json:"domain"`
	Valid      bool      `json:"valid"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	UseCount   int       `json:"use_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the record is unusable at the given time: either
// explicitly invalidated or past its expiry timestamp.
func (r Record) Expired(now time.Time) bool {
	if !r.Valid {
		return true
	}
	return !r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)
}

// Requirement is one session the plan text appears to need.
type Requirement struct {
	Platform string `json:"platform"`
	Domain   string `json:"domain"`
	Reason   string `json:"reason"`
}

// Match pairs a requirement with the stored record that satisfies it.
type Match struct {
	Requirement Requirement `json:"requirement"`
	Record      Record      `json:"record"`
}

// Analysis buckets the detected requirements by availability.
type Analysis struct {
	Available []Match       `json:"available"`
	Expired   []Match       `json:"expired"`
	Missing   []Requirement `json:"missing"`
}

// Empty reports whether no session requirements were detected at all.
func (a Analysis) Empty() bool {
	return len(a.Available) == 0 && len(a.Expired) == 0 && len(a.Missing) == 0
}
