package tracer

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnpairedFrameHooks = errors.New("tracer implements only one of Enter and Exit")
	ErrDepthJump          = errors.New("call depth increased by more than one")
	ErrNilTrace           = errors.New("nil trace")
)

// Tracer is the minimal contract: a callback per step and a final result.
type Tracer[R any] interface {
	Step(step *Step)
	Result(ctx *ResultContext) R
}

// Setuper receives the replay configuration before the first step.
type Setuper interface {
	Setup(cfg json.RawMessage) error
}

// Enterer and Exiter must be implemented together.
type Enterer interface {
	Enter(frame CallFrame)
}

type Exiter interface {
	Exit(exit FrameExit)
}

// Faulter receives steps whose error field is set instead of Step.
type Faulter interface {
	Fault(step *Step)
}

// ResultContext is handed to Result after the last step.
type ResultContext struct {
	Call        CallContext
	Gas         uint64
	Failed      bool
	ReturnValue []byte
	Steps       int
}

// ReplayError is a trace and tracer disagreeing on step semantics. It carries
// the step context for operator logs.
type ReplayError struct {
	Index int
	PC    uint64
	Op    string
	Depth int
	Err   error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay failed at step %d (pc=%d op=%s depth=%d): %v", e.Index, e.PC, e.Op, e.Depth, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

type options struct {
	order  StackOrder
	config json.RawMessage
}

type Option func(*options)

// WithStackOrder overrides the default geth layout (top of stack last).
func WithStackOrder(order StackOrder) Option {
	return func(o *options) { o.order = order }
}

// WithConfig passes tracer specific configuration to Setup.
func WithConfig(cfg json.RawMessage) Option {
	return func(o *options) { o.config = cfg }
}

// Replay walks the trace in order and drives t through its lifecycle.
// An empty trace yields the zero value of R without calling Result.
func Replay[R any](trace *TraceResult, call CallContext, t Tracer[R], opts ...Option) (result R, err error) {
	var zero R
	if trace == nil {
		return zero, ErrNilTrace
	}
	o := options{order: StackTopLast}
	for _, opt := range opts {
		opt(&o)
	}

	enterer, hasEnter := t.(Enterer)
	exiter, hasExit := t.(Exiter)
	if hasEnter != hasExit {
		return zero, ErrUnpairedFrameHooks
	}
	faulter, _ := t.(Faulter)

	if s, ok := t.(Setuper); ok {
		if err := s.Setup(o.config); err != nil {
			return zero, fmt.Errorf("tracer setup: %w", err)
		}
	}

	steps := trace.StructLogs
	if len(steps) == 0 {
		return zero, nil
	}

	var current *RawTraceStep
	var currentIndex int
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		stepErr, ok := r.(*StepError)
		if !ok {
			panic(r)
		}
		result = zero
		err = replayError(current, currentIndex, stepErr)
	}()

	frames := []CallFrame{rootFrame(call, steps[0].Depth)}
	var prev *Step
	for i := range steps {
		current, currentIndex = &steps[i], i
		step := newStep(&steps[i], i, o.order)

		if prev != nil {
			switch delta := step.Depth() - prev.Depth(); {
			case delta == 1:
				parent := frames[len(frames)-1]
				var frame CallFrame
				if prev.Error() != "" {
					// The operands of a faulted step are not read.
					frame = unknownFrame(parent, step.Depth())
				} else {
					frame = childFrame(prev, parent, step.Depth())
				}
				frames = append(frames, frame)
				if hasEnter {
					enterer.Enter(frame)
				}
			case delta > 1:
				return zero, replayError(current, i, ErrDepthJump)
			}
		}
		if prev != nil && step.Depth() < prev.Depth() {
			frames = closeFrames(frames, step.Depth(), prev, exiter)
		}
		step.frame = frames[len(frames)-1]

		if step.Error() != "" {
			if faulter != nil {
				faulter.Fault(step)
			}
		} else {
			t.Step(step)
		}
		prev = step
	}
	closeFrames(frames, steps[0].Depth, prev, exiter)

	returnValue, err := trace.ReturnData()
	if err != nil {
		return zero, err
	}
	return t.Result(&ResultContext{
		Call:        call,
		Gas:         trace.Gas,
		Failed:      trace.Failed,
		ReturnValue: returnValue,
		Steps:       len(steps),
	}), nil
}

// closeFrames pops frames deeper than depth, reporting each exit when the
// tracer tracks frames. Only the innermost frame can be attributed to last.
func closeFrames(frames []CallFrame, depth int, last *Step, exiter Exiter) []CallFrame {
	innermost := true
	for len(frames) > 1 && frames[len(frames)-1].Depth > depth {
		frame := frames[len(frames)-1]
		frames = frames[:len(frames)-1]
		if exiter == nil {
			continue
		}
		exit := FrameExit{Frame: frame, Reverted: true}
		if innermost && last != nil {
			exit.LastOp = last.Op().String()
			exit.Reverted = last.Error() != "" || exit.LastOp == "REVERT"
		}
		exiter.Exit(exit)
		innermost = false
	}
	return frames
}

func replayError(raw *RawTraceStep, index int, err error) *ReplayError {
	re := &ReplayError{Index: index, Err: err}
	if raw != nil {
		re.PC, re.Op, re.Depth = raw.Pc, raw.Op, raw.Depth
	}
	return re
}
