// Package candidates merges the outputs of independent candidate sources
// into one de-duplicated, priority-ordered list for a decision run.
package candidates

import "sort"

// SourceTag identifies which strategy nominated a candidate.
type SourceTag string

const (
	SourcePortfolio SourceTag = "portfolio"
	SourceNews      SourceTag = "news"
	SourceMarket    SourceTag = "market"
	SourceBaseline  SourceTag = "baseline"
)

// precedence breaks priority ties so ordering is reproducible across runs
// with identical inputs.
var precedence = map[SourceTag]int{
	SourcePortfolio: 0,
	SourceNews:      1,
	SourceMarket:    2,
	SourceBaseline:  3,
}

// Candidate is a symbol nominated for analysis in one decision run.
// Candidates live for the run and survive only in the audit trail.
type Candidate struct {
	Symbol   string            `json:"symbol"`
	Source   SourceTag         `json:"source"`
	Priority float64           `json:"priority"` // [0,1]
	Metadata map[string]string `json:"metadata,omitempty"`
	Sources  []SourceTag       `json:"sources,omitempty"` // every source that nominated the symbol
}

// Aggregate merges source lists into one list, unique per symbol. When
// several sources nominate the same symbol the highest priority wins, the
// winning source becomes the candidate's tag, and all contributing sources
// and metadata are preserved. Output is sorted descending by priority,
// ties broken by source precedence (portfolio > news > market > baseline)
// then symbol. Pure function; empty inputs contribute nothing.
func Aggregate(sourceLists ...[]Candidate) []Candidate {
	merged := make(map[string]Candidate)

	for _, list := range sourceLists {
		for _, c := range list {
			if c.Symbol == "" {
				continue
			}
			existing, ok := merged[c.Symbol]
			if !ok {
				c.Sources = []SourceTag{c.Source}
				if c.Metadata != nil {
					c.Metadata = copyMeta(c.Metadata)
				}
				merged[c.Symbol] = c
				continue
			}
			merged[c.Symbol] = mergeCandidate(existing, c)
		}
	}

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if precedence[out[i].Source] != precedence[out[j].Source] {
			return precedence[out[i].Source] < precedence[out[j].Source]
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func mergeCandidate(a, b Candidate) Candidate {
	winner := a
	if b.Priority > a.Priority {
		winner.Priority = b.Priority
		winner.Source = b.Source
	}
	if !hasSource(winner.Sources, b.Source) {
		winner.Sources = append(winner.Sources, b.Source)
	}
	// Union metadata; first writer wins on key conflicts.
	if len(b.Metadata) > 0 {
		if winner.Metadata == nil {
			winner.Metadata = make(map[string]string, len(b.Metadata))
		} else {
			winner.Metadata = copyMeta(winner.Metadata)
		}
		for k, v := range b.Metadata {
			if _, exists := winner.Metadata[k]; !exists {
				winner.Metadata[k] = v
			}
		}
	}
	return winner
}

func hasSource(tags []SourceTag, tag SourceTag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
