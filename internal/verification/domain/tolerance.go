package domain

import "github.com/shopspring/decimal"

// Tolerances carries the per-run comparison thresholds. PriceTick is the
// absolute tolerance per symbol; a symbol absent from the map compares
// exactly after provider rounding. VolumeTol is the fractional volume
// tolerance (V_TOL).
type Tolerances struct {
	PriceTick map[string]decimal.Decimal
	VolumeTol decimal.Decimal
}

// DefaultVolumeTol is 2%.
var DefaultVolumeTol = decimal.NewFromFloat(0.02)

func NewTolerances() Tolerances {
	return Tolerances{
		PriceTick: make(map[string]decimal.Decimal),
		VolumeTol: DefaultVolumeTol,
	}
}

// Comparison is the outcome of holding a local candle against the
// authoritative one.
type Comparison struct {
	PriceMatch  bool
	VolumeMatch bool
	VolumeGap   decimal.Decimal
	LocalVolume decimal.Decimal
	AuthVolume  decimal.Decimal
}

func (c Comparison) Match() bool {
	return c.PriceMatch && c.VolumeMatch
}

// Compare applies the tolerance rules of the pipeline. Volume tolerance is
// symmetric in magnitude but a local overshoot (duplicate ticks) is still a
// mismatch, so the absolute gap is what gets tested.
func (t Tolerances) Compare(local, auth *Candle) Comparison {
	cmp := Comparison{
		LocalVolume: local.Volume,
		AuthVolume:  auth.Volume,
		VolumeGap:   local.Volume.Sub(auth.Volume).Abs(),
	}

	tick := decimal.Zero
	if tol, ok := t.PriceTick[auth.Key.Symbol]; ok {
		tick = tol
	}
	cmp.PriceMatch = withinTick(local.Open, auth.Open, tick) &&
		withinTick(local.High, auth.High, tick) &&
		withinTick(local.Low, auth.Low, tick) &&
		withinTick(local.Close, auth.Close, tick)

	// |local - auth| / max(auth, 1) <= V_TOL
	denom := decimal.Max(auth.Volume, decimal.NewFromInt(1))
	cmp.VolumeMatch = cmp.VolumeGap.Div(denom).LessThanOrEqual(t.VolumeTol)

	return cmp
}

func withinTick(a, b, tick decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tick)
}
