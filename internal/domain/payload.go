package domain

// Reasons carried by the completion payload.
const (
	ReasonCompleted = "completed"
	ReasonFailed    = "failed"
	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"
)

// Error codes carried by failure results.
const (
	CodeModelUnavailable = "model_unavailable"
	CodeExecutionError   = "execution_error"
	CodeStepLimit        = "step_limit"
	CodeInternal         = "internal"
)

// CompletionPayload is the data of the terminal Complete event.
type CompletionPayload struct {
	Status    Status `json:"status"`
	Reason    string `json:"reason"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// PromptPayload accompanies a log asking the user for input.
type PromptPayload struct {
	Status Status `json:"status"`
	Prompt string `json:"prompt"`
}

// AnswerPayload is the data of a successful Result.
type AnswerPayload struct {
	Answer string `json:"answer"`
}

// ErrorPayload is the data of a failed Result.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Kind  string `json:"kind,omitempty"`
}

// SafetyCheckPayload is the data of the Result that pauses on risk flags.
type SafetyCheckPayload struct {
	Status              Status         `json:"status"`
	PendingSafetyCheck  bool           `json:"pendingSafetyCheck"`
	PendingSafetyChecks []RiskFlag     `json:"pendingSafetyChecks"`
	Action              ProposedAction `json:"action"`
}

// ActionPayload accompanies the log of an executed action.
type ActionPayload struct {
	Action      ActionType `json:"action"`
	Description string     `json:"description"`
	Screenshot  bool       `json:"screenshot"`
}
