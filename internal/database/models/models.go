// Package models holds the database row types shared by the repositories
// and their consumers.
package models

import "time"

// RoutingRule maps a CAP service-key range to an application-server chain.
// Nil range bounds match any service key.
type RoutingRule struct {
	ID            int64
	Name          string
	ServiceKeyMin *int
	ServiceKeyMax *int
	Chain         string
	Priority      int
	Enabled       bool
}

// Matches reports whether the rule covers the given service key.
func (r *RoutingRule) Matches(serviceKey int) bool {
	if r.ServiceKeyMin != nil && serviceKey < *r.ServiceKeyMin {
		return false
	}
	if r.ServiceKeyMax != nil && serviceKey > *r.ServiceKeyMax {
		return false
	}
	return true
}

// ASInstance is one application-server endpoint within a chain.
type ASInstance struct {
	ID        int64
	Name      string
	Chain     string
	Position  int
	Host      string
	Port      int
	Transport string
	Enabled   bool
}

// InviteErrorRule is one first-match-wins entry evaluated against the
// first error response to the initial call-setup request.
type InviteErrorRule struct {
	ID            int64
	Position      int
	StatusMin     *int
	StatusMax     *int
	ServiceKeyMin *int
	ServiceKeyMax *int
	Action        string // continue | release | failover
	Cause         *int   // Q.850 value for release
	Enabled       bool
}

// Matches reports whether the rule covers the status/service-key pair.
func (r *InviteErrorRule) Matches(status, serviceKey int) bool {
	if r.StatusMin != nil && status < *r.StatusMin {
		return false
	}
	if r.StatusMax != nil && status > *r.StatusMax {
		return false
	}
	if r.ServiceKeyMin != nil && serviceKey < *r.ServiceKeyMin {
		return false
	}
	if r.ServiceKeyMax != nil && serviceKey > *r.ServiceKeyMax {
		return false
	}
	return true
}

// CDR is one gateway call record.
type CDR struct {
	ID            int64
	CallID        string
	ServiceKey    int
	CallingNumber string
	CalledNumber  string
	ASName        string
	StartTime     time.Time
	EndTime       *time.Time
	Outcome       string // in-progress | completed | released | aborted | failed
	ReleaseCause  *int
}
