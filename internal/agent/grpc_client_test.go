package agent

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startServer(t *testing.T, fn StepFunc) (*GrpcClient, *health.Server) {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	RegisterReasoningServer(srv, NewReasoningServer(fn))
	hs := health.NewServer()
	hs.SetServingStatus(ReasoningServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	client, err := NewGrpcClient(GrpcClientConfig{
		Address:        "passthrough:///bufnet",
		ConnectTimeout: 2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewGrpcClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client, hs
}

func TestNextStepRoundTrip(t *testing.T) {
	t.Parallel()

	var got StepRequest
	client, _ := startServer(t, func(_ context.Context, req StepRequest) (Step, error) {
		got = req
		return Step{
			Kind:   StepProposedAction,
			CallID: "call-1",
			Action: domain.Action{Type: domain.ActionScroll, X: 3, Y: 4, ScrollY: -120},
			Flags:  []domain.RiskFlag{{ID: "sc-1", Category: "destructive", Message: "deletes files"}},
			State:  "resp-2",
		}, nil
	})

	shot := []byte{0x89, 'P', 'N', 'G'}
	step, err := client.NextStep(context.Background(), StepRequest{
		SessionID: "s-1",
		State:     "resp-1",
		Inputs: []domain.Input{
			{Instruction: "open the settings"},
			{Outcome: &domain.Outcome{CallID: "call-0", Action: domain.ActionClick, Output: "ok", Screenshot: shot}},
		},
	})
	if err != nil {
		t.Fatalf("NextStep failed: %v", err)
	}

	if got.SessionID != "s-1" || got.State != "resp-1" || len(got.Inputs) != 2 {
		t.Fatalf("server saw unexpected request %+v", got)
	}
	if got.Inputs[0].Instruction != "open the settings" {
		t.Fatalf("instruction lost: %+v", got.Inputs[0])
	}
	if o := got.Inputs[1].Outcome; o == nil || o.CallID != "call-0" || !slices.Equal(o.Screenshot, shot) {
		t.Fatalf("outcome lost: %+v", got.Inputs[1].Outcome)
	}

	if step.Kind != StepProposedAction || step.CallID != "call-1" || step.State != "resp-2" {
		t.Fatalf("unexpected step %+v", step)
	}
	if step.Action.Type != domain.ActionScroll || step.Action.ScrollY != -120 || step.Action.X != 3 {
		t.Fatalf("unexpected action %+v", step.Action)
	}
	if len(step.Flags) != 1 || step.Flags[0].Category != "destructive" || step.Flags[0].ID != "sc-1" {
		t.Fatalf("unexpected flags %+v", step.Flags)
	}
}

func TestNextStepServerErrorIsModelUnavailable(t *testing.T) {
	t.Parallel()

	client, _ := startServer(t, func(context.Context, StepRequest) (Step, error) {
		return Step{}, status.Error(codes.Unavailable, "overloaded")
	})

	_, err := client.NextStep(context.Background(), StepRequest{SessionID: "s"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected status code to survive wrapping, got %v", status.Code(err))
	}
}

func TestNextStepMalformedStep(t *testing.T) {
	t.Parallel()

	client, _ := startServer(t, func(context.Context, StepRequest) (Step, error) {
		return Step{Kind: "dance"}, nil
	})

	_, err := client.NextStep(context.Background(), StepRequest{SessionID: "s"})
	if !errors.Is(err, ErrModelUnavailable) || !errors.Is(err, errInvalidStep) {
		t.Fatalf("expected invalid step wrapped as ErrModelUnavailable, got %v", err)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	client, hs := startServer(t, func(context.Context, StepRequest) (Step, error) {
		return Step{Kind: StepFinalAnswer}, nil
	})

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	hs.SetServingStatus(ReasoningServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if err := client.Health(context.Background()); !errors.Is(err, errNotServing) {
		t.Fatalf("expected errNotServing, got %v", err)
	}
}

func TestStepValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{name: "prompt", step: Step{Kind: StepTextPrompt, Text: "Which page?"}},
		{name: "final", step: Step{Kind: StepFinalAnswer, Text: "done"}},
		{name: "action", step: Step{Kind: StepProposedAction, Action: domain.Action{Type: domain.ActionScreenshot}}},
		{name: "action without type", step: Step{Kind: StepProposedAction}, wantErr: true},
		{name: "unknown kind", step: Step{Kind: "other"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.step.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
