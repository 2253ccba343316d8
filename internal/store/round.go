package store

import "time"

// Role identifies which phase produced a Round record.
type Role string

const (
	RoleWriter   Role = "writer"
	RoleModifier Role = "modifier"
	RoleReviewer Role = "reviewer"
)

// Round is one immutable (job, index, role) record: the prompt sent to the
// model and the response it returned.
type Round struct {
	JobID     string    `json:"-"`
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundView groups the writer-or-modifier record and the reviewer record for
// a single round index, as returned by the conversation endpoints.
type RoundView struct {
	Writer   *Round `json:"writer,omitempty"`
	Modifier *Round `json:"modifier,omitempty"`
	Reviewer *Round `json:"reviewer,omitempty"`
}
