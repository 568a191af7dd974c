package domain

// RiskFlag describes why a proposed action was paused. Flags are immutable once issued.
type RiskFlag struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Message  string `json:"message,omitempty"`
}

// Matches reports whether an acknowledgment token covers this flag.
func (f RiskFlag) Matches(token string) bool {
	return token != "" && (token == f.ID || token == f.Category)
}
