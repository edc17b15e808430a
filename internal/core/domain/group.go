package domain

import "time"

// FailureGroup is a classification bucket for acting on related failures at once.
type FailureGroup struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref returns the denormalized reference stored on messages.
func (g FailureGroup) Ref() FailureGroupRef {
	return FailureGroupRef{ID: g.ID, Title: g.Title, Type: g.Type}
}

// FailureGroupRef is a group reference embedded in a failed message.
type FailureGroupRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// GroupSummary is a group with counts of its member messages.
type GroupSummary struct {
	FailureGroup
	Count       int       `json:"count"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
	RetryIssued int       `json:"retry_issued"`
}
