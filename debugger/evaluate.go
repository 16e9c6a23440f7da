// Copyright © 2018 The ELPS authors

package debugger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Evaluator runs expressions for the host's script engine.
type Evaluator interface {
	// EvaluateInFrame evaluates expression against a live activation. It
	// is only called on the goroutine that owns the activation.
	EvaluateInFrame(activation any, expression string) (any, error)
	// EvaluateGlobal evaluates expression without any frame. It may be
	// called from any goroutine.
	EvaluateGlobal(expression string) (any, error)
	// Truthy reports whether a breakpoint condition result allows a stop.
	Truthy(v any) bool
}

var (
	errGlobalScope   = errors.New("Unable to evaluate expression in the global scope.")
	errRunningThread = errors.New("Unable to evaluate expression in a running thread")
	errNoFrame       = errors.New("Unable to find the stack frame.")
)

// evaluation is the private completion of one Evaluate command. The
// first call to finish wins.
type evaluation struct {
	mu       sync.Mutex
	running  bool
	finished bool
	result   Variable
	done     chan struct{}
}

func newEvaluation() *evaluation {
	return &evaluation{done: make(chan struct{})}
}

func (e *evaluation) finish(v Variable) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	e.result = v
	close(e.done)
}

// wait blocks until the owning thread finished the evaluation or ctx is
// done. Cancelling ctx abandons the result; the owning thread still
// completes the work.
func (e *evaluation) wait(ctx context.Context) Variable {
	select {
	case <-e.done:
	case <-ctx.Done():
		return errorVariable("result", ctx.Err())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// EvaluateGlobal evaluates expression on the calling goroutine without
// involving any thread session.
func (d *Debugger) EvaluateGlobal(expression string) Variable {
	ev := d.evaluator()
	if ev == nil {
		return errorVariable("result", ErrNoEvaluator)
	}
	v, err := evaluateGlobalSafely(ev, expression)
	if err != nil {
		return d.refs.DescribeTopLevel(err, "result", nil)
	}
	res := d.refs.DescribeTopLevel(v, "result", nil)
	res.EvaluateName = expression
	return res
}

func evaluateGlobalSafely(ev Evaluator, expression string) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panic: %v", r)
		}
	}()
	return ev.EvaluateGlobal(expression)
}

// Evaluate evaluates expression in frame frameID of a suspended thread.
// The work is handed to the thread that owns the frame; the caller blocks
// until it completes or ctx is done. A frameID of zero or less means no
// frame was given. Failures are described values, never Go errors.
func (d *Debugger) Evaluate(ctx context.Context, threadID, frameID int, expression string) Variable {
	if frameID <= 0 {
		return d.refs.DescribeTopLevel(errGlobalScope, "result", nil)
	}
	s, ok := d.SessionForThread(threadID)
	if !ok {
		return errorVariable("result", threadError(threadID))
	}
	return s.Evaluate(ctx, frameID, expression)
}
