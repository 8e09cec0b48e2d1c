package model

import "time"

// TokenStatus is the admission state of a queue token.
type TokenStatus string

const (
	TokenWaiting TokenStatus = "WAITING"
	TokenActive  TokenStatus = "ACTIVE"
	TokenExpired TokenStatus = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s TokenStatus) Terminal() bool { return s == TokenExpired }

// Token is a user's standing in the admission queue of one schedule.  At
// most one non-terminal token exists per (UserID, ScheduleID).
//
// Fields:
//  ID         – opaque identifier handed to the client (UUID).
//  UserID     – holder of the token.
//  ScheduleID – schedule the token admits to.
//  Status     – WAITING, ACTIVE or EXPIRED.
//  CreatedAt  – issue time; WAITING tokens are promoted in this order.
//  ExpiresAt  – end of the current validity window.
type Token struct {
	ID         string      // tokens.id
	UserID     uint64      // tokens.user_id
	ScheduleID uint64      // tokens.schedule_id
	Status     TokenStatus // tokens.status
	CreatedAt  time.Time   // tokens.created_at_ms
	ExpiresAt  time.Time   // tokens.expires_at_ms
	Version    uint32      // tokens.version
}

// Elapsed reports whether the validity window is over at now.
func (t Token) Elapsed(now time.Time) bool { return !now.Before(t.ExpiresAt) }
