package dedup

import (
	"sort"
	"strings"

	"websetdedup/internal/models"
)

// candidate is one accepted row under consideration for LLM adjudication,
// tagged with how it entered the pool and its ranking score.
type candidate struct {
	row        models.Row
	score      float64
	fromFuzzy  bool
	fromVector bool
}

// poolOutcome is the result of building and filtering the candidate pool for
// one new ambiguous (or vector-recalled) row.
type poolOutcome struct {
	// immediateReject is set when a candidate is similar enough that no LLM
	// call is warranted (§4.4 entity-mode immediate-rejection shortcut).
	immediateReject bool
	reason          string
	existing        models.Row
	// kept is the ranked, capped candidate set to send to the adjudicator.
	// Empty means accept immediately.
	kept []candidate
}

// buildCandidatePool unions the fuzzy-ambiguous matches with vector-recall
// hits, ranks by composite similarity, and caps to the mode's top-K (§4.4).
// Ingest restricts vector hits to rows this engine has accepted; it does not
// check the fingerprint table, so a hit whose Tier-0 key is degenerate or
// not held by that row still enters the pool.
func buildCandidatePool(mode models.Mode, newRow models.Row, fuzzyAmbiguous []models.Row, vectorHits []models.Row) poolOutcome {
	seen := make(map[string]struct{}, len(fuzzyAmbiguous)+len(vectorHits))
	var pool []candidate

	for _, r := range fuzzyAmbiguous {
		if _, ok := seen[r.RowID]; ok {
			continue
		}
		seen[r.RowID] = struct{}{}
		pool = append(pool, candidate{row: r, fromFuzzy: true})
	}
	for _, r := range vectorHits {
		if _, ok := seen[r.RowID]; ok {
			continue
		}
		seen[r.RowID] = struct{}{}
		pool = append(pool, candidate{row: r, fromVector: true})
	}

	if mode == models.ModeEntity {
		return rankEntityPool(newRow, pool)
	}
	return rankCompanyPool(newRow, pool)
}

func rankCompanyPool(newRow models.Row, pool []candidate) poolOutcome {
	var kept []candidate
	for _, c := range pool {
		nameJW := jaroWinkler(strings.ToLower(newRow.Name), strings.ToLower(c.row.Name))
		domainEq := 0.0
		if newRow.ETLD1 != "" && newRow.ETLD1 == c.row.ETLD1 {
			domainEq = 1
		}
		brandEq := 0.0
		if newRow.Brand != "" && newRow.Brand == c.row.Brand {
			brandEq = 1
		}
		c.score = 0.6*nameJW + 0.2*domainEq + 0.2*brandEq
		if c.score <= 0.3 {
			continue
		}
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > 5 {
		kept = kept[:5]
	}
	return poolOutcome{kept: kept}
}

func rankEntityPool(newRow models.Row, pool []candidate) poolOutcome {
	var kept []candidate
	for _, c := range pool {
		sim := jaroWinkler(newRow.NormalizedTitleOrName(), c.row.NormalizedTitleOrName())
		if sim > 0.9 {
			reason := models.ReasonEntityVeryHighSimilarity
			if c.fromVector && !c.fromFuzzy {
				reason = models.ReasonHighSimilarityMatch
			}
			return poolOutcome{immediateReject: true, reason: reason, existing: c.row}
		}
		if sim < 0.6 {
			continue
		}
		c.score = sim
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > 3 {
		kept = kept[:3]
	}
	return poolOutcome{kept: kept}
}
