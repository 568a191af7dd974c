package agent

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/deskpilot/internal/domain"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire shapes of the NextStep call. Both directions travel as
// google.protobuf.Struct so no generated stubs are needed.

type wireRequest struct {
	SessionID string      `json:"session_id"`
	State     string      `json:"state,omitempty"`
	Inputs    []wireInput `json:"inputs"`
}

type wireInput struct {
	Instruction string       `json:"instruction,omitempty"`
	Outcome     *wireOutcome `json:"outcome,omitempty"`
}

type wireOutcome struct {
	CallID            string            `json:"call_id,omitempty"`
	Action            string            `json:"action"`
	Output            string            `json:"output,omitempty"`
	Screenshot        []byte            `json:"screenshot,omitempty"`
	AcknowledgedFlags []domain.RiskFlag `json:"acknowledged_safety_checks,omitempty"`
}

type wireStep struct {
	Kind   string            `json:"kind"`
	Text   string            `json:"text,omitempty"`
	CallID string            `json:"call_id,omitempty"`
	Action *wireAction       `json:"action,omitempty"`
	Flags  []domain.RiskFlag `json:"pending_safety_checks,omitempty"`
	State  string            `json:"state,omitempty"`
}

type wireAction struct {
	Type    string   `json:"type"`
	X       int      `json:"x,omitempty"`
	Y       int      `json:"y,omitempty"`
	Button  string   `json:"button,omitempty"`
	ScrollX int      `json:"scroll_x,omitempty"`
	ScrollY int      `json:"scroll_y,omitempty"`
	Keys    []string `json:"keys,omitempty"`
	Text    string   `json:"text,omitempty"`
	Seconds float64  `json:"seconds,omitempty"`
	URL     string   `json:"url,omitempty"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal wire message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("convert wire message: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("convert wire message: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal wire message: %w", err)
	}
	return nil
}

func encodeRequest(req StepRequest) (*structpb.Struct, error) {
	w := wireRequest{SessionID: req.SessionID, State: req.State, Inputs: make([]wireInput, 0, len(req.Inputs))}
	for _, in := range req.Inputs {
		wi := wireInput{Instruction: in.Instruction}
		if o := in.Outcome; o != nil {
			wi.Outcome = &wireOutcome{
				CallID:            o.CallID,
				Action:            string(o.Action),
				Output:            o.Output,
				Screenshot:        o.Screenshot,
				AcknowledgedFlags: o.AcknowledgedFlags,
			}
		}
		w.Inputs = append(w.Inputs, wi)
	}
	return toStruct(w)
}

func decodeRequest(in *structpb.Struct) (StepRequest, error) {
	var w wireRequest
	if err := fromStruct(in, &w); err != nil {
		return StepRequest{}, err
	}
	req := StepRequest{SessionID: w.SessionID, State: w.State}
	for _, wi := range w.Inputs {
		input := domain.Input{Instruction: wi.Instruction}
		if o := wi.Outcome; o != nil {
			input.Outcome = &domain.Outcome{
				CallID:            o.CallID,
				Action:            domain.ActionType(o.Action),
				Output:            o.Output,
				Screenshot:        o.Screenshot,
				AcknowledgedFlags: o.AcknowledgedFlags,
			}
		}
		req.Inputs = append(req.Inputs, input)
	}
	return req, nil
}

func encodeStep(s Step) (*structpb.Struct, error) {
	w := wireStep{Kind: string(s.Kind), Text: s.Text, CallID: s.CallID, Flags: s.Flags, State: s.State}
	if s.Kind == StepProposedAction {
		a := s.Action
		w.Action = &wireAction{
			Type:    string(a.Type),
			X:       a.X,
			Y:       a.Y,
			Button:  a.Button,
			ScrollX: a.ScrollX,
			ScrollY: a.ScrollY,
			Keys:    a.Keys,
			Text:    a.Text,
			Seconds: a.Seconds,
			URL:     a.URL,
		}
	}
	return toStruct(w)
}

func decodeStep(in *structpb.Struct) (Step, error) {
	var w wireStep
	if err := fromStruct(in, &w); err != nil {
		return Step{}, err
	}
	s := Step{Kind: StepKind(w.Kind), Text: w.Text, CallID: w.CallID, Flags: w.Flags, State: w.State}
	if a := w.Action; a != nil {
		s.Action = domain.Action{
			Type:    domain.ActionType(a.Type),
			X:       a.X,
			Y:       a.Y,
			Button:  a.Button,
			ScrollX: a.ScrollX,
			ScrollY: a.ScrollY,
			Keys:    a.Keys,
			Text:    a.Text,
			Seconds: a.Seconds,
			URL:     a.URL,
		}
	}
	if err := s.Validate(); err != nil {
		return Step{}, err
	}
	return s, nil
}
