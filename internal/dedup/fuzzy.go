package dedup

import (
	"strings"

	"websetdedup/internal/models"
)

// Classification is the fuzzy matcher's verdict for one (new, existing) pair.
type Classification int

const (
	ClassUnique Classification = iota
	ClassDuplicate
	ClassAmbiguous
)

// classify runs the ordered rule set of §4.3 against one candidate pair and,
// for ClassDuplicate, the rejection reason to attach to the event/record.
func classify(mode models.Mode, newRow, existing models.Row) (Classification, string) {
	if newRow.IsVideoPlatform && existing.IsVideoPlatform {
		sim := jaroWinkler(newRow.NormalizedTitleOrName(), existing.NormalizedTitleOrName())
		switch {
		case sim > 0.95:
			return ClassDuplicate, models.ReasonNearDuplicate
		case sim > 0.85:
			return ClassAmbiguous, ""
		default:
			return ClassUnique, ""
		}
	}

	if areSubdomainsSimilar(newRow, existing) {
		if mode == models.ModeCompany {
			return ClassDuplicate, models.ReasonSubdomainDuplicate
		}
		// entity mode: fall through to name comparison.
	} else if newRow.ETLD1 != "" && existing.ETLD1 != "" && newRow.ETLD1 != existing.ETLD1 &&
		len(newRow.Brand) > 2 && newRow.Brand == existing.Brand {
		newGeneric := newRow.SubCls == models.SubClsGeneric
		existingGeneric := existing.SubCls == models.SubClsGeneric
		switch {
		case newGeneric && existingGeneric:
			if mode == models.ModeCompany {
				return ClassDuplicate, models.ReasonNearDuplicate
			}
		case newGeneric != existingGeneric:
			return ClassAmbiguous, ""
		default:
			nameSim := jaroWinkler(strings.ToLower(newRow.Name), strings.ToLower(existing.Name))
			if nameSim > 0.8 {
				return ClassDuplicate, models.ReasonNearDuplicate
			}
			return ClassAmbiguous, ""
		}
	}

	nameSim := nameSimilarity(mode, newRow, existing)
	switch {
	case mode == models.ModeCompany && nameSim > 0.95:
		return ClassDuplicate, models.ReasonExactNameDuplicate
	case mode == models.ModeEntity && nameSim > 0.92:
		return ClassDuplicate, models.ReasonNormalizedTitleDuplicate
	}

	if newRow.Brand != existing.Brand && newRow.ETLD1 != existing.ETLD1 {
		return ClassUnique, ""
	}

	return ClassAmbiguous, ""
}

func nameSimilarity(mode models.Mode, a, b models.Row) float64 {
	if mode == models.ModeEntity {
		return jaroWinkler(a.NormalizedTitleOrName(), b.NormalizedTitleOrName())
	}
	return jaroWinkler(strings.ToLower(a.Name), strings.ToLower(b.Name))
}

// areSubdomainsSimilar implements _areSubdomainsSimilar (§4.3 rule 2): same
// registrable domain with either both subdomains generic, one generic and
// one organizational, or both organizational.
func areSubdomainsSimilar(a, b models.Row) bool {
	if a.ETLD1 == "" || a.ETLD1 != b.ETLD1 {
		return false
	}
	return true
}
