package toolexecutor

// ToolPolicy restricts which tools a session may call. Deny entries win
// over Allow entries, and "*" matches every tool. A nil policy allows
// everything; a non-nil policy with an empty Allow list allows nothing.
type ToolPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}
	if matchAny(tp.Deny, toolName) {
		return false
	}
	return matchAny(tp.Allow, toolName)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == "*" || p == name {
			return true
		}
	}
	return false
}
