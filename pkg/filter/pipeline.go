package filter

import (
	"github.com/marmos91/fedcore/pkg/protocol"
)

// Pipeline is the ordered filter chain on one side of an endpoint. Chains are
// mutated only between time steps, so no locking is needed; ordering is
// registration order.
type Pipeline struct {
	filters []*Filter
}

// Append adds a filter to the end of the chain.
func (p *Pipeline) Append(f *Filter) {
	p.filters = append(p.filters, f)
}

// Remove drops the named filter from the chain. Removal is rejected with
// ErrTargetBusy while the filter has messages in flight.
func (p *Pipeline) Remove(name string) error {
	for i, f := range p.filters {
		if f.name != name {
			continue
		}
		if f.InFlight() > 0 {
			return ErrTargetBusy
		}
		p.filters = append(p.filters[:i], p.filters[i+1:]...)
		return nil
	}
	return nil
}

// Len returns the chain length.
func (p *Pipeline) Len() int { return len(p.filters) }

// Filters returns the chain in application order.
func (p *Pipeline) Filters() []*Filter {
	out := make([]*Filter, len(p.filters))
	copy(out, p.filters)
	return out
}

// Apply runs msg through the chain. Each filter's outputs feed the next
// filter, so a clone early in the chain subjects its copies to the remaining
// filters. The result depends only on the filter parameters and the message,
// never on scheduling.
func (p *Pipeline) Apply(msg *protocol.ActionMessage) []*protocol.ActionMessage {
	current := []*protocol.ActionMessage{msg}
	for _, f := range p.filters {
		next := make([]*protocol.ActionMessage, 0, len(current))
		for _, m := range current {
			next = append(next, f.Process(m)...)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}
