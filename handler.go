package brocker

import "fmt"

// Next is the control signal a Handler calls to proceed down the chain.
// Call shapes, matching spec.md §4.3:
//
//	next()        -> proceed
//	next(true)    -> proceed
//	next(false)   -> abort as failure
//	next(err)     -> abort as failure carrying err
//
// Next returns whatever the downstream chain settles with, so a handler
// that calls `if err := next(); err != nil { ... }` observes the outcome of
// everything after it - including handlers that ran as part of an awaited
// call - and may run cleanup/"nested" logic before returning.
type Next func(signal ...interface{}) error

// Handler is one link in a subscriber's middleware chain.
type Handler func(msg InboundMessage, next Next) error

// OutcomeKind discriminates how a composed handler chain settled.
type OutcomeKind int

const (
	// OutcomeProceed means every handler ran to completion (or a handler
	// returned without calling next, ending the chain early) without
	// signaling failure.
	OutcomeProceed OutcomeKind = iota
	// OutcomeAbort means a handler called next(false) or next(err).
	OutcomeAbort
	// OutcomeThrew means a handler returned a non-nil error (or panicked)
	// instead of signaling through next.
	OutcomeThrew
)

// Outcome is the chain's single discriminated result, consumed by Queue.Sub
// to decide ack vs nack.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Failed reports whether this outcome should translate to a nack.
func (o Outcome) Failed() bool { return o.Kind != OutcomeProceed }

func (o Outcome) asError() error {
	switch o.Kind {
	case OutcomeProceed:
		return nil
	case OutcomeAbort:
		return &handlerFailure{cause: o.Err}
	case OutcomeThrew:
		return &handlerFailure{cause: o.Err}
	default:
		return nil
	}
}

// Compose folds N handlers into a single function from InboundMessage to
// Outcome. It is built as a right-folded closure chain (design note 2,
// option b): each Next call recurses into the remaining handlers rather
// than an index-driven loop owning shared state, which keeps a handler's
// post-`next` cleanup code running in its own stack frame exactly once
// downstream settles.
func Compose(handlers ...Handler) func(InboundMessage) Outcome {
	chain := append([]Handler(nil), handlers...)
	return func(msg InboundMessage) Outcome {
		return runChain(chain, 0, msg)
	}
}

func runChain(chain []Handler, index int, msg InboundMessage) Outcome {
	if index >= len(chain) {
		return Outcome{Kind: OutcomeProceed}
	}

	handler := chain[index]
	calledNext := false
	var downstream Outcome
	var nextErr error

	next := func(signal ...interface{}) error {
		calledNext = true
		downstream = resolveSignal(chain, index, msg, signal)
		nextErr = downstream.asError()
		return nextErr
	}

	err := invokeSafely(handler, msg, next)
	if err != nil && !(calledNext && err == nextErr) {
		// Returning exactly what next returned passes the downstream
		// outcome through; any other error is a throw.
		return Outcome{Kind: OutcomeThrew, Err: err}
	}
	if !calledNext {
		// Rule 4: a handler that returns without calling next ends the
		// chain early, and that is success, not abort.
		return Outcome{Kind: OutcomeProceed}
	}
	return downstream
}

func resolveSignal(chain []Handler, index int, msg InboundMessage, signal []interface{}) Outcome {
	if len(signal) == 0 {
		return runChain(chain, index+1, msg)
	}

	switch v := signal[0].(type) {
	case bool:
		if v {
			return runChain(chain, index+1, msg)
		}
		return Outcome{Kind: OutcomeAbort}
	case error:
		if v == nil {
			return runChain(chain, index+1, msg)
		}
		return Outcome{Kind: OutcomeAbort, Err: v}
	case nil:
		return runChain(chain, index+1, msg)
	default:
		return runChain(chain, index+1, msg)
	}
}

// invokeSafely recovers a handler panic and reports it the same way a
// returned error would be: as a Threw outcome.
func invokeSafely(h Handler, msg InboundMessage, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(msg, next)
}
