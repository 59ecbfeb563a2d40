package repo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
)

func TestSortTolerancesFollowsTypeOrder(t *testing.T) {
	var items []domain.Tolerance
	for i := len(domain.ToleranceTypes) - 1; i >= 0; i-- {
		items = append(items, domain.Tolerance{Type: domain.ToleranceTypes[i]})
	}
	sortTolerances(items)
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.Type)
	}
	require.Equal(t, domain.ToleranceTypes, got)

	sortTolerances(nil)
}
