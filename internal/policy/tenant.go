package policy

// TenantDecision is permit or forbid, as resolved for one action across a
// tenant hierarchy.
type TenantDecision bool

const (
	TenantPermit TenantDecision = true
	TenantForbid TenantDecision = false
)

// Scope is the tier at which a TenantPolicy is defined. Higher values are
// more specific; ordering matters directly for resolution.
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeOrganization
	ScopeTeam
	ScopeUser
)

// TenantPolicy is one named policy attached to a tenant-hierarchy scope.
type TenantPolicy struct {
	ID          string
	Name        string
	Action      string
	Decision    TenantDecision
	Priority    int
	Description string
	Scope       Scope
}

// Team is a group of users within an Org.
type Team struct {
	ID       string
	Name     string
	OrgID    string
	Policies []TenantPolicy
	Members  []string
}

// Org is a top-level tenant.
type Org struct {
	ID       string
	Name     string
	Policies []TenantPolicy
	Teams    []Team
}

// Hierarchy is the full tenant tree used for policy resolution.
type Hierarchy struct {
	GlobalPolicies []TenantPolicy
	Organizations  []Org
}

// FindOrg looks up an organization by id.
func (h *Hierarchy) FindOrg(orgID string) *Org {
	for i := range h.Organizations {
		if h.Organizations[i].ID == orgID {
			return &h.Organizations[i]
		}
	}
	return nil
}

// FindTeam looks up a team by org and team id.
func (h *Hierarchy) FindTeam(orgID, teamID string) *Team {
	org := h.FindOrg(orgID)
	if org == nil {
		return nil
	}
	for i := range org.Teams {
		if org.Teams[i].ID == teamID {
			return &org.Teams[i]
		}
	}
	return nil
}

// FindUserTeam returns the team a user belongs to within an org, if any.
func (h *Hierarchy) FindUserTeam(orgID, userID string) *Team {
	org := h.FindOrg(orgID)
	if org == nil {
		return nil
	}
	for i := range org.Teams {
		for _, m := range org.Teams[i].Members {
			if m == userID {
				return &org.Teams[i]
			}
		}
	}
	return nil
}

// ResolveEffectivePolicies combines policies from every hierarchy level
// into one effective policy per action: policies are grouped by action,
// and for each action the most-specific (then highest-priority) policy
// wins — except that forbid always overrides permit regardless of
// specificity. Only actions named by at least one input policy are
// resolved: an action with no policy at any level is absent from the
// result, and no default-deny entry is synthesized for it.
func ResolveEffectivePolicies(global, org, team, user []TenantPolicy) []TenantPolicy {
	byAction := make(map[string][]TenantPolicy)
	for _, group := range [][]TenantPolicy{global, org, team, user} {
		for _, p := range group {
			byAction[p.Action] = append(byAction[p.Action], p)
		}
	}

	effective := make([]TenantPolicy, 0, len(byAction))
	for action, policies := range byAction {
		hasForbid := false
		for _, p := range policies {
			if p.Decision == TenantForbid {
				hasForbid = true
				break
			}
		}

		if hasForbid {
			effective = append(effective, mostSpecific(policies, TenantForbid))
			continue
		}

		best, ok := mostSpecificOK(policies, TenantPermit)
		if ok {
			effective = append(effective, best)
			continue
		}

		effective = append(effective, TenantPolicy{
			ID:       "default-deny-" + action,
			Name:     "Default deny for " + action,
			Action:   action,
			Decision: TenantForbid,
			Priority: 0,
			Scope:    ScopeGlobal,
		})
	}
	return effective
}

// mostSpecific returns the highest (Scope, Priority) policy matching
// decision among policies. Callers only call this when at least one
// matching policy is known to exist.
func mostSpecific(policies []TenantPolicy, decision TenantDecision) TenantPolicy {
	p, _ := mostSpecificOK(policies, decision)
	return p
}

func mostSpecificOK(policies []TenantPolicy, decision TenantDecision) (TenantPolicy, bool) {
	var best TenantPolicy
	found := false
	for _, p := range policies {
		if p.Decision != decision {
			continue
		}
		if !found || p.Scope > best.Scope || (p.Scope == best.Scope && p.Priority > best.Priority) {
			best = p
			found = true
		}
	}
	return best, found
}
