package memory

import (
	"sort"

	"github.com/dotsetgreg/dotcontext/pkg/tokens"
)

// Budgeter selects a priority prefix of ranked candidates under a hard token
// ceiling and returns it in chronological order.
type Budgeter struct {
	family tokens.Family
}

func NewBudgeter(family tokens.Family) *Budgeter {
	return &Budgeter{family: tokens.NormalizeFamily(string(family))}
}

// BudgetResult carries the selection plus the candidates skipped because
// their text could not be estimated.
type BudgetResult struct {
	Context     AssembledContext
	Unestimable []ItemRef
}

// Estimate fills TokenCount/Unestimable for every candidate.
func (b *Budgeter) Estimate(cands []RetrievalCandidate) {
	for i := range cands {
		res := tokens.Estimate(cands[i].text(), b.family)
		cands[i].TokenCount = res.Tokens
		cands[i].Unestimable = res.Unestimable
	}
}

// Fit walks candidates in priority order. A candidate whose own cost exceeds
// the budget is dropped and the walk continues; otherwise the first candidate
// that would overflow the remaining budget ends selection. Inclusion is
// atomic per candidate.
func (b *Budgeter) Fit(ranked []RetrievalCandidate, budget int) BudgetResult {
	res := BudgetResult{Context: AssembledContext{Budget: budget, Items: []ContextItem{}}}
	if budget <= 0 {
		res.Context.Truncated = len(ranked) > 0
		return res
	}

	selected := make([]RetrievalCandidate, 0, len(ranked))
	total := 0
	for i, c := range ranked {
		if c.Unestimable {
			res.Unestimable = append(res.Unestimable, c.Ref)
			continue
		}
		if c.TokenCount > budget {
			res.Context.Truncated = true
			continue
		}
		if total+c.TokenCount > budget {
			// Everything from here on is excluded for budget reasons, but
			// unestimable leftovers are still reported as skipped.
			res.Context.Truncated = true
			for _, rest := range ranked[i+1:] {
				if rest.Unestimable {
					res.Unestimable = append(res.Unestimable, rest.Ref)
				}
			}
			break
		}
		total += c.TokenCount
		selected = append(selected, c)
	}

	sortChronological(selected)
	for _, c := range selected {
		res.Context.Items = append(res.Context.Items, toContextItem(c))
	}
	res.Context.TotalTokens = total
	return res
}

func sortChronological(cands []RetrievalCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		ti, tj := cands[i].Timestamp(), cands[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if si, sj := cands[i].seq(), cands[j].seq(); si != sj {
			return si < sj
		}
		// A summary follows the turn that closes its range.
		if cands[i].Ref.Kind != cands[j].Ref.Kind {
			return cands[i].Ref.Kind == ItemTurn
		}
		return cands[i].Ref.Key() < cands[j].Ref.Key()
	})
}

func toContextItem(c RetrievalCandidate) ContextItem {
	item := ContextItem{
		Ref:           c.Ref,
		Content:       c.text(),
		Timestamp:     c.Timestamp(),
		Tokens:        c.TokenCount,
		Pinned:        c.IsPinned,
		SemanticScore: c.SemanticScore,
	}
	if c.Turn != nil {
		item.Role = c.Turn.Role
	} else {
		item.Role = RoleSystem
	}
	return item
}
