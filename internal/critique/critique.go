// Package critique reduces independent critic recommendations on one
// proposal to a single verdict. The verdict type is closed: approve,
// reduce, or veto. There is no representable way for a critic to increase
// exposure.
package critique

import (
	"context"
	"time"

	"github.com/quantfold/tradedesk/internal/signal"
)

// Verdict is the arbitrated outcome for one proposal.
type Verdict string

const (
	Approve Verdict = "approve"
	Reduce  Verdict = "reduce"
	Veto    Verdict = "veto"
)

// Critique is one critic's recommendation.
type Critique struct {
	CriticID  string  `json:"critic_id"`
	Verdict   Verdict `json:"verdict"`
	Rationale string  `json:"rationale,omitempty"`
}

// NoResponse is the rationale recorded for a critic that erred, timed out,
// or returned an unrecognized verdict. The conservative default is veto.
const NoResponse = "no_response"

// Critic reviews a proposal. Critics are independent black boxes; any may
// fail to respond.
type Critic interface {
	ID() string
	Review(ctx context.Context, p signal.Proposal) (Critique, error)
}

// Arbitrate reduces critiques to one verdict: any veto wins, else any
// reduce wins, else approve. The result is invariant under permutation of
// the input.
func Arbitrate(critiques []Critique) Verdict {
	verdict := Approve
	for _, c := range critiques {
		switch c.Verdict {
		case Veto:
			return Veto
		case Reduce:
			verdict = Reduce
		case Approve:
		default:
			// Unknown verdicts are treated as vetoes, never dropped.
			return Veto
		}
	}
	return verdict
}

// Gather queries every critic concurrently with a shared deadline. A
// critic that errors, times out, or returns a malformed verdict is
// recorded as an implicit veto with rationale "no_response"; missing
// critiques are never silently dropped. One critique per critic is always
// returned, in critic order.
func Gather(ctx context.Context, critics []Critic, p signal.Proposal, timeout time.Duration) []Critique {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		idx int
		c   Critique
	}
	ch := make(chan result, len(critics))

	for i, critic := range critics {
		go func(idx int, critic Critic) {
			c, err := critic.Review(ctx, p)
			if err != nil {
				ch <- result{idx, implicitVeto(critic.ID())}
				return
			}
			if c.CriticID == "" {
				c.CriticID = critic.ID()
			}
			switch c.Verdict {
			case Approve, Reduce, Veto:
				ch <- result{idx, c}
			default:
				ch <- result{idx, implicitVeto(critic.ID())}
			}
		}(i, critic)
	}

	critiques := make([]Critique, len(critics))
	received := make([]bool, len(critics))
	for range critics {
		select {
		case r := <-ch:
			critiques[r.idx] = r.c
			received[r.idx] = true
		case <-ctx.Done():
			for i := range critiques {
				if !received[i] {
					critiques[i] = implicitVeto(critics[i].ID())
				}
			}
			return critiques
		}
	}
	return critiques
}

func implicitVeto(criticID string) Critique {
	return Critique{CriticID: criticID, Verdict: Veto, Rationale: NoResponse}
}
