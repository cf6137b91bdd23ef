package fields

import "fmt"

// Scope partitions where, and for whom, a field value is stored.
type Scope string

const (
	ScopeContent          Scope = "content"
	ScopeSettings         Scope = "settings"
	ScopeUserState        Scope = "user_state"
	ScopeUserStateSummary Scope = "user_state_summary"
	ScopePreferences      Scope = "preferences"
	ScopeUserInfo         Scope = "user_info"
)

// BlockScope says what the block part of a field key identifies.
type BlockScope int

const (
	BlockScopeAll BlockScope = iota
	BlockScopeUsage
	BlockScopeType
)

var AllScopes = []Scope{
	ScopeContent,
	ScopeSettings,
	ScopeUserState,
	ScopeUserStateSummary,
	ScopePreferences,
	ScopeUserInfo,
}

func ParseScope(s string) (Scope, error) {
	for _, sc := range AllScopes {
		if string(sc) == s {
			return sc, nil
		}
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

func (s Scope) Valid() bool {
	_, err := ParseScope(string(s))
	return err == nil
}

func (s Scope) BlockScope() BlockScope {
	switch s {
	case ScopeContent, ScopeSettings, ScopeUserState, ScopeUserStateSummary:
		return BlockScopeUsage
	case ScopePreferences:
		return BlockScopeType
	default:
		return BlockScopeAll
	}
}

// IsUserScope reports whether values are keyed per user.
func (s Scope) IsUserScope() bool {
	switch s {
	case ScopeUserState, ScopePreferences, ScopeUserInfo:
		return true
	}
	return false
}

// IsDefinition reports whether values live with the block definition rather
// than in the per-user field tables.
func (s Scope) IsDefinition() bool {
	return s == ScopeContent || s == ScopeSettings
}
