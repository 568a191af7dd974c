package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ActionType names a primitive desktop action.
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionScroll     ActionType = "scroll"
	ActionKeypress   ActionType = "keypress"
	ActionTypeText   ActionType = "type"
	ActionScreenshot ActionType = "screenshot"
	ActionWait       ActionType = "wait"
	ActionGoto       ActionType = "goto"
)

// Action is one primitive desktop action proposed by the model.
type Action struct {
	Type    ActionType `json:"type"`
	X       int        `json:"x,omitempty"`
	Y       int        `json:"y,omitempty"`
	Button  string     `json:"button,omitempty"`
	ScrollX int        `json:"scrollX,omitempty"`
	ScrollY int        `json:"scrollY,omitempty"`
	Keys    []string   `json:"keys,omitempty"`
	Text    string     `json:"text,omitempty"`
	Seconds float64    `json:"seconds,omitempty"`
	URL     string     `json:"url,omitempty"`
}

var errInvalidAction = errors.New("invalid action")

// Validate checks that the fields required by the action type are present.
func (a Action) Validate() error {
	switch a.Type {
	case ActionClick, ActionScroll, ActionScreenshot, ActionWait:
		return nil
	case ActionKeypress:
		if len(a.Keys) == 0 {
			return fmt.Errorf("%w: keypress requires keys", errInvalidAction)
		}
	case ActionTypeText:
		if a.Text == "" {
			return fmt.Errorf("%w: type requires text", errInvalidAction)
		}
	case ActionGoto:
		if a.URL == "" {
			return fmt.Errorf("%w: goto requires a url", errInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", errInvalidAction, a.Type)
	}
	return nil
}

// Describe returns the human-readable description used in progress logs.
func (a Action) Describe() string {
	switch a.Type {
	case ActionClick:
		button := a.Button
		if button == "" {
			button = "left"
		}
		return fmt.Sprintf("click at (%d, %d) with button '%s'", a.X, a.Y, button)
	case ActionScroll:
		return fmt.Sprintf("scroll at (%d, %d) with offsets (scroll_x=%d, scroll_y=%d)", a.X, a.Y, a.ScrollX, a.ScrollY)
	case ActionKeypress:
		return "keypress with keys: " + strings.Join(a.Keys, "+")
	case ActionTypeText:
		return "type text: " + a.Text
	case ActionWait:
		return fmt.Sprintf("wait %gs", a.Seconds)
	case ActionGoto:
		return "goto " + a.URL
	default:
		return string(a.Type)
	}
}

// Outcome is the result of an executed action as appended to the conversation.
type Outcome struct {
	CallID            string
	Action            ActionType
	Output            string
	Screenshot        []byte
	AcknowledgedFlags []RiskFlag
}
