package safety

import (
	"errors"
	"testing"

	"github.com/ashureev/deskpilot/internal/domain"
)

func TestEvaluateClear(t *testing.T) {
	t.Parallel()

	v := NewGate().Evaluate(domain.Action{Type: domain.ActionScreenshot}, nil)
	if v.Flagged || len(v.Flags) != 0 {
		t.Fatalf("expected clear verdict, got %+v", v)
	}
}

func TestEvaluateNormalizesFlags(t *testing.T) {
	t.Parallel()

	v := NewGate().Evaluate(domain.Action{Type: domain.ActionClick}, []domain.RiskFlag{
		{Category: " destructive ", Message: "deletes the file"},
		{ID: "destructive", Category: "destructive"},
		{ID: "sc-2", Category: "irreversible"},
		{},
	})
	if !v.Flagged {
		t.Fatal("expected flagged verdict")
	}
	if len(v.Flags) != 3 {
		t.Fatalf("expected 3 flags after dedupe, got %+v", v.Flags)
	}
	if v.Flags[0].ID != "destructive" || v.Flags[0].Message != "deletes the file" {
		t.Fatalf("first flag not normalized: %+v", v.Flags[0])
	}
	if v.Flags[1].ID != "sc-2" {
		t.Fatalf("order not preserved: %+v", v.Flags)
	}
	if v.Flags[2].ID == "" {
		t.Fatalf("empty flag got no id: %+v", v.Flags[2])
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	pending := []domain.RiskFlag{
		{ID: "sc-1", Category: "destructive"},
		{ID: "sc-2", Category: "payment"},
	}

	tests := []struct {
		name        string
		acks        []string
		wantMissing []string
	}{
		{name: "none", acks: nil, wantMissing: []string{"sc-1", "sc-2"}},
		{name: "partial by category", acks: []string{"destructive"}, wantMissing: []string{"sc-2"}},
		{name: "all by id", acks: []string{"sc-1", "sc-2"}},
		{name: "mixed superset", acks: []string{"payment", "sc-1", "unrelated"}},
		{name: "empty token", acks: []string{""}, wantMissing: []string{"sc-1", "sc-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Check(pending, tt.acks)
			if len(tt.wantMissing) == 0 {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var unack *UnacknowledgedError
			if !errors.As(err, &unack) {
				t.Fatalf("expected *UnacknowledgedError, got %v", err)
			}
			if len(unack.Missing) != len(tt.wantMissing) {
				t.Fatalf("missing = %+v, want %v", unack.Missing, tt.wantMissing)
			}
			for i, id := range tt.wantMissing {
				if unack.Missing[i].ID != id {
					t.Fatalf("missing[%d] = %s, want %s", i, unack.Missing[i].ID, id)
				}
			}
		})
	}
}
