package policy

import (
	"context"
	"fmt"

	"kbotrt/core"
)

// ModelRunner binds a Model to the provider that feeds it
type ModelRunner struct {
	model    Model
	provider InputProvider
	meta     Metadata
	kinds    []InputKind
}

// NewModelRunner checks the model's metadata and prepares the input request
func NewModelRunner(model Model, provider InputProvider) (*ModelRunner, error) {
	meta := model.Metadata()
	if len(meta.JointNames) == 0 {
		return nil, fmt.Errorf("model declares no joints")
	}
	if _, err := core.ResolveJoints(meta.JointNames); err != nil {
		return nil, err
	}

	kinds := make([]InputKind, 0, len(meta.Inputs))
	for _, k := range meta.Inputs {
		// Carry is threaded through Step, never read from sensors
		if k == Carry {
			continue
		}
		if k < 0 || k >= numInputKinds {
			return nil, fmt.Errorf("model requests unsupported input %v", k)
		}
		kinds = append(kinds, k)
	}

	return &ModelRunner{
		model:    model,
		provider: provider,
		meta:     meta,
		kinds:    kinds,
	}, nil
}

// Metadata returns the model's metadata
func (r *ModelRunner) Metadata() Metadata {
	return r.meta
}

// Init creates the initial carry
func (r *ModelRunner) Init(ctx context.Context) (core.Carry, error) {
	carry, err := r.model.Init()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize carry: %w", err)
	}
	return carry, nil
}

// Step gathers one snapshot of inputs and runs the model on it
func (r *ModelRunner) Step(ctx context.Context, carry core.Carry) (core.Tensor, core.Carry, error) {
	inputs, err := r.provider.GetInputs(ctx, r.kinds, r.meta)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to gather inputs: %w", err)
	}

	output, next, err := r.model.Run(inputs, carry)
	if err != nil {
		return nil, nil, fmt.Errorf("model step failed: %w", err)
	}
	if len(output) != len(r.meta.JointNames) {
		return nil, nil, fmt.Errorf("model output has %d values for %d joints", len(output), len(r.meta.JointNames))
	}
	return output, next, nil
}

// TakeAction dispatches an action through the provider. Per-actuator
// failures are recorded by the provider and do not fail the call.
func (r *ModelRunner) TakeAction(ctx context.Context, action core.Tensor) error {
	_, err := r.provider.TakeAction(ctx, action, r.meta)
	return err
}
