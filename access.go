package loom

// AccessPolicy decides whether a user may invoke a tool on a server.
// Check returns a deny reason, or "" when the call is allowed. Policies
// never return errors: a denial is an ordinary outcome, not a failure.
type AccessPolicy interface {
	Check(user User, serverID, toolName string) string
}

// AllowAll permits every call. Useful for single-tenant deployments
// and tests.
type AllowAll struct{}

func (AllowAll) Check(User, string, string) string { return "" }

// Rule grants the named groups access to tools on a server. An empty
// Tool matches every tool on the server, an empty Server matches every
// server, and empty Groups admit any signed-in user.
type Rule struct {
	Server string   `json:"server,omitempty"`
	Tool   string   `json:"tool,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

func (r Rule) matches(serverID, toolName string) bool {
	if r.Server != "" && r.Server != serverID {
		return false
	}
	if r.Tool != "" && r.Tool != toolName {
		return false
	}
	return true
}

// RulePolicy checks calls against an explicit rule list. Admins always
// pass. Tools with no matching rule follow defaultAllow.
type RulePolicy struct {
	rules        []Rule
	defaultAllow bool
}

func NewRulePolicy(rules []Rule, defaultAllow bool) *RulePolicy {
	return &RulePolicy{rules: rules, defaultAllow: defaultAllow}
}

func (p *RulePolicy) Check(user User, serverID, toolName string) string {
	if user.IsAdmin {
		return ""
	}
	matched := false
	for _, r := range p.rules {
		if !r.matches(serverID, toolName) {
			continue
		}
		matched = true
		if len(r.Groups) == 0 {
			return ""
		}
		for _, g := range r.Groups {
			if user.InGroup(g) {
				return ""
			}
		}
	}
	if matched {
		return "user lacks a required group for " + serverID + "/" + toolName
	}
	if p.defaultAllow {
		return ""
	}
	return "no policy grants " + serverID + "/" + toolName
}

// compile-time checks
var (
	_ AccessPolicy = AllowAll{}
	_ AccessPolicy = (*RulePolicy)(nil)
)
