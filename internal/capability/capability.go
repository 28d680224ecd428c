// Package capability defines the uniform agent contract (C2): every agent,
// built-in or external, is a value implementing Invoke(Input) -> Output.
// No hidden state crosses invocations — everything that must survive
// between calls lives in the Input's Context or in a persisted store.
package capability

import (
	"context"

	"github.com/conductorhq/conductor/internal/envelope"
)

// Capability is the single operation every agent implements. Concrete
// agents are values satisfying this interface; dispatch is by interface,
// never by a type switch over a concrete hierarchy.
type Capability interface {
	Invoke(ctx context.Context, in envelope.Input) (envelope.Output, error)
}

// Func adapts a plain function to a Capability, the same "functional
// option"-flavored ergonomics used elsewhere in the stack for lightweight
// capabilities that don't need their own named type.
type Func func(ctx context.Context, in envelope.Input) (envelope.Output, error)

func (f Func) Invoke(ctx context.Context, in envelope.Input) (envelope.Output, error) {
	return f(ctx, in)
}

var _ Capability = Func(nil)
