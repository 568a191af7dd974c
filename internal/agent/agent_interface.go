package agent

import "context"

// Processor defines the reasoning-model turn generator.
// This interface is implemented by the gRPC client.
type Processor interface {
	// NextStep sends the conversation state and returns exactly one step.
	NextStep(ctx context.Context, req StepRequest) (Step, error)

	// Health reports whether the model service is serving.
	Health(ctx context.Context) error

	// Close releases resources
	Close()
}

// Ensure GrpcClient implements Processor.
var _ Processor = (*GrpcClient)(nil)
