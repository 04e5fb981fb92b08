package ledger

import (
	"slices"

	"github.com/victornm/livequiz/internal/domain"
)

// ComputeRanks sorts players by total score, highest first, and assigns 1-based ranks by position.
// Players with equal scores keep their input order, which is join order for lists coming from the
// ledger. The input is not modified.
func ComputeRanks(players []domain.Player) []domain.RankedPlayer {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, func(a, b domain.Player) int {
		return b.TotalScore - a.TotalScore
	})

	ranked := make([]domain.RankedPlayer, len(sorted))
	for i, p := range sorted {
		ranked[i] = domain.RankedPlayer{Player: p, Rank: i + 1}
	}

	return ranked
}
