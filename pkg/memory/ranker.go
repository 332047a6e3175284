package memory

import (
	"math"
	"sort"
)

// SemanticHit is a similarity index hit resolved against the history store.
// Exactly one of Turn or Summary is set.
type SemanticHit struct {
	Ref     ItemRef
	Score   float64
	Turn    *Turn
	Summary *Summary
}

// Ranker merges the recency, semantic and pinned sources into one
// deduplicated candidate list and imposes a total order on it.
type Ranker struct {
	settings Settings
}

func NewRanker(settings Settings) *Ranker {
	return &Ranker{settings: settings}
}

// Rank is pure: identical inputs yield identical output. hits must be ordered
// by descending score, as the index returns them; nil hits means the semantic
// path was skipped.
func (r *Ranker) Rank(snap Snapshot, hits []SemanticHit) []RetrievalCandidate {
	size := len(snap.Recent) + len(hits) + len(snap.PinnedTurns) + len(snap.PinnedSummaries)
	byKey := make(map[string]*RetrievalCandidate, size)
	order := make([]string, 0, size)

	recencyRank := func(seq int64) int {
		d := snap.LastSeq - seq
		if d < 0 {
			return 0
		}
		return int(d)
	}
	add := func(c RetrievalCandidate) *RetrievalCandidate {
		key := c.Ref.Key()
		if existing, ok := byKey[key]; ok {
			return existing
		}
		byKey[key] = &c
		order = append(order, key)
		return &c
	}

	recent := snap.Recent
	if k := r.settings.RecencyWindow; k > 0 && len(recent) > k {
		recent = recent[len(recent)-k:]
	}
	for i := range recent {
		t := recent[i]
		c := add(RetrievalCandidate{Ref: t.Ref(), Turn: &t, RecencyRank: recencyRank(t.Seq)})
		c.Sources |= SourceRecency
	}

	taken := 0
	for _, h := range hits {
		key := h.Ref.Key()
		if c, ok := byKey[key]; ok {
			c.mergeSemantic(h.Score)
			continue
		}
		if taken >= r.settings.SemanticTopN {
			continue
		}
		var c RetrievalCandidate
		switch {
		case h.Turn != nil:
			// Summarized turns are represented by their summary unless pinned.
			if h.Turn.Summarized && !h.Turn.Important {
				continue
			}
			t := *h.Turn
			c = RetrievalCandidate{Ref: t.Ref(), Turn: &t, RecencyRank: recencyRank(t.Seq), IsPinned: t.Important}
		case h.Summary != nil:
			s := *h.Summary
			c = RetrievalCandidate{Ref: s.Ref(), Summary: &s, RecencyRank: recencyRank(s.RangeEndSeq), IsPinned: s.Pinned}
		default:
			continue
		}
		added := add(c)
		added.mergeSemantic(h.Score)
		taken++
	}

	for i := range snap.PinnedTurns {
		t := snap.PinnedTurns[i]
		c := add(RetrievalCandidate{Ref: t.Ref(), Turn: &t, RecencyRank: recencyRank(t.Seq)})
		c.IsPinned = true
		c.Sources |= SourcePinned
	}
	for i := range snap.PinnedSummaries {
		s := snap.PinnedSummaries[i]
		c := add(RetrievalCandidate{Ref: s.Ref(), Summary: &s, RecencyRank: recencyRank(s.RangeEndSeq)})
		c.IsPinned = true
		c.Sources |= SourcePinned
	}

	// Flags from the item itself count even when it arrived via another path.
	out := make([]RetrievalCandidate, 0, len(order))
	for _, key := range order {
		c := byKey[key]
		if (c.Turn != nil && c.Turn.Important) || (c.Summary != nil && c.Summary.Pinned) {
			c.IsPinned = true
			c.Sources |= SourcePinned
		}
		out = append(out, *c)
	}

	eps := r.settings.TieEpsilon
	sort.SliceStable(out, func(i, j int) bool {
		return lessPriority(out[i], out[j], eps)
	})
	return out
}

func (c *RetrievalCandidate) mergeSemantic(score float64) {
	if !c.HasSemantic || score > c.SemanticScore {
		c.SemanticScore = score
	}
	c.HasSemantic = true
	c.Sources |= SourceSemantic
}

// lessPriority orders pinned first (most recent first among themselves), then
// by semantic score with recency_rank and the item key breaking ties.
func lessPriority(a, b RetrievalCandidate, eps float64) bool {
	if a.IsPinned != b.IsPinned {
		return a.IsPinned
	}
	if !a.IsPinned {
		if d := a.SemanticScore - b.SemanticScore; math.Abs(d) > eps {
			return d > 0
		}
	}
	if a.RecencyRank != b.RecencyRank {
		return a.RecencyRank < b.RecencyRank
	}
	if a.Ref.Kind != b.Ref.Kind {
		// A summary and the last turn it covers share a rank; prefer the turn.
		return a.Ref.Kind == ItemTurn
	}
	return a.Ref.Key() < b.Ref.Key()
}
