package gateway

import "github.com/capgw/capgw/internal/database/models"

// Invite-error rule actions. The rule table is evaluated first-match-wins
// against the first error response to the initial call-setup request.
const (
	ActionContinue = "continue"
	ActionRelease  = "release"
	ActionFailover = "failover"
)

// matchInviteError returns the first enabled rule covering the status and
// service key, or nil when no rule matches and default handling applies.
func matchInviteError(rules []models.InviteErrorRule, status, serviceKey int) *models.InviteErrorRule {
	for i := range rules {
		if rules[i].Matches(status, serviceKey) {
			return &rules[i]
		}
	}
	return nil
}
