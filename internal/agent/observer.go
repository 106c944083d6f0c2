package agent

import "github.com/nextlevelbuilder/kith/internal/providers"

// Observation interfaces for generation progress. An observer implements
// only the slices it cares about; the loop type-asserts per event and
// skips the rest. Backends complete in one shot, so text "deltas" arrive
// as one chunk per completion.
type (
	TextDeltaObserver interface {
		OnTextDelta(delta string)
	}
	ToolCallObserver interface {
		OnToolCall(name string, args map[string]any)
	}
	StepFinishObserver interface {
		OnStepFinish(step StepInfo)
	}
	AbortObserver interface {
		OnAbort(reason string)
	}
	ErrorObserver interface {
		OnError(err error)
	}
	PhaseObserver interface {
		OnPhase(phase string)
	}
)

// StepInfo summarizes one completion round inside the loop.
type StepInfo struct {
	Round     int
	Text      string
	ToolCalls int
	Usage     providers.Usage
}

func observeText(o any, delta string) {
	if obs, ok := o.(TextDeltaObserver); ok && delta != "" {
		obs.OnTextDelta(delta)
	}
}

func observeToolCall(o any, name string, args map[string]any) {
	if obs, ok := o.(ToolCallObserver); ok {
		obs.OnToolCall(name, args)
	}
}

func observeStep(o any, step StepInfo) {
	if obs, ok := o.(StepFinishObserver); ok {
		obs.OnStepFinish(step)
	}
}

func observeAbort(o any, reason string) {
	if obs, ok := o.(AbortObserver); ok {
		obs.OnAbort(reason)
	}
}

func observeError(o any, err error) {
	if obs, ok := o.(ErrorObserver); ok && err != nil {
		obs.OnError(err)
	}
}

func observePhase(o any, phase string) {
	if obs, ok := o.(PhaseObserver); ok {
		obs.OnPhase(phase)
	}
}
