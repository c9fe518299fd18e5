package loyalty

// Tier is a rider's membership level, derived from clinic entries.
// Values are ordered: TierNone < TierBronze < TierSilver < TierGold.
type Tier int

const (
	TierNone Tier = iota
	TierBronze
	TierSilver
	TierGold
)

const (
	bronzeMinEntries = 1
	silverMinEntries = 5
	goldMinEntries   = 10
)

// TierFor classifies a clinic-entry count: 0 none, 1-4 bronze, 5-9 silver,
// 10+ gold.
func TierFor(clinicEntries int) Tier {
	switch {
	case clinicEntries >= goldMinEntries:
		return TierGold
	case clinicEntries >= silverMinEntries:
		return TierSilver
	case clinicEntries >= bronzeMinEntries:
		return TierBronze
	default:
		return TierNone
	}
}

func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "bronze"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	default:
		return "none"
	}
}

// EntriesToNext returns how many more entries are needed to reach the next
// tier, or 0 at gold.
func EntriesToNext(clinicEntries int) int {
	switch TierFor(clinicEntries) {
	case TierNone:
		return bronzeMinEntries - clinicEntries
	case TierBronze:
		return silverMinEntries - clinicEntries
	case TierSilver:
		return goldMinEntries - clinicEntries
	default:
		return 0
	}
}
