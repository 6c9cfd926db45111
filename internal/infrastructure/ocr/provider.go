package ocr

import "context"

// State is the provider-side status of a recognition operation.
type State string

const (
	StateNotStarted State = "notStarted"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Input is the raw document handed to a provider.
type Input struct {
	Content     []byte
	ContentType string
	Languages   []string
}

// Operation is one poll result. Lines are set on success, Message on failure.
type Operation struct {
	State   State
	Lines   []string
	Message string
}

// Provider is an asynchronous recognition service: Submit returns a handle
// that Poll resolves to a terminal state eventually.
type Provider interface {
	Name() string
	Submit(ctx context.Context, in Input) (string, error)
	Poll(ctx context.Context, handle string) (Operation, error)
}
