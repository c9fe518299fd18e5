package loyalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProject(t *testing.T) {
	txs := []Transaction{
		{Kind: KindClinicEntry, Delta: 10, PeriodID: "2024-H2"},
		{Kind: KindClinicEntry, Delta: 15, PeriodID: "2025-H1"},
		{Kind: KindReferralBonus, Delta: 20, PeriodID: "2025-H1"},
		{Kind: KindManualAdjustment, Delta: -5, PeriodID: "2025-H1"},
		{Kind: KindClinicEntry, Delta: 0, PeriodID: "2025-H1"},
	}

	b := Project(txs, "2025-H1")

	assert.Equal(t, int64(40), b.LifetimePoints)
	assert.Equal(t, int64(30), b.CurrentPeriodPoints)
	assert.Equal(t, 3, b.ClinicEntries)
}

func TestProject_OrderIndependent(t *testing.T) {
	txs := []Transaction{
		{Kind: KindClinicEntry, Delta: 10, PeriodID: "2025-H1"},
		{Kind: KindManualAdjustment, Delta: -3, PeriodID: "2024-H2"},
		{Kind: KindReferralBonus, Delta: 20, PeriodID: "2025-H1"},
	}
	reversed := []Transaction{txs[2], txs[1], txs[0]}

	assert.Equal(t, Project(txs, "2025-H1"), Project(reversed, "2025-H1"))
}

func TestProject_Empty(t *testing.T) {
	assert.Equal(t, AccountBalances{}, Project(nil, "2025-H1"))
}
