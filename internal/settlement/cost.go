package settlement

import "math"

// microUnits is the precision of every settled amount.
const microUnits = 1e6

// Cost is the price breakdown of one execution. Total is exactly the sum of
// the rounded components.
type Cost struct {
	ProviderCost float64 `json:"provider_cost"`
	RoutingFee   float64 `json:"routing_fee"`
	GasCost      float64 `json:"gas_cost"`
	Total        float64 `json:"total"`
}

// ComputeCost prices a call to a provider listing price. feePct is the
// routing fee as a percentage of the provider cost.
func ComputeCost(price, feePct, gas float64) Cost {
	c := Cost{
		ProviderCost: roundMicro(price),
		RoutingFee:   roundMicro(price * feePct / 100),
		GasCost:      roundMicro(gas),
	}
	c.Total = roundMicro(c.ProviderCost + c.RoutingFee + c.GasCost)
	return c
}

func roundMicro(v float64) float64 {
	return math.Round(v*microUnits) / microUnits
}
