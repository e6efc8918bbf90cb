package authz

import "strings"

// Authorizer gates privileged gateway commands (session reset, cancel-all).
type Authorizer interface {
	IsOwner(senderID string) bool
}

// PolicyEngine is the owner-list Authorizer. An empty owner list leaves the
// commands open, which is the single-user default.
type PolicyEngine struct {
	owners map[string]struct{}
}

// NewPolicyEngine builds an engine from configured owner IDs. Blank entries
// are ignored so a trailing comma in the env var does not open the gate.
func NewPolicyEngine(ownerIDs []string) *PolicyEngine {
	owners := make(map[string]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			owners[id] = struct{}{}
		}
	}
	return &PolicyEngine{owners: owners}
}

// IsOwner reports whether the sender may run privileged commands.
func (p *PolicyEngine) IsOwner(senderID string) bool {
	if len(p.owners) == 0 {
		return true
	}
	_, ok := p.owners[senderID]
	return ok
}
