package shipping

import (
	"strings"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
)

// Parcel dimensions are inches, weight is ounces.
type Parcel struct {
	LengthIn float64
	WidthIn  float64
	HeightIn float64
	WeightOz float64
}

type tierSpec struct {
	rank                  int
	length, width, height float64
	weightOz              float64
}

var tiers = map[checkout.SizeTier]tierSpec{
	checkout.TierSmall:  {rank: 0, length: 7, width: 4, height: 1, weightOz: 4},
	checkout.TierMedium: {rank: 1, length: 8, width: 6, height: 4, weightOz: 24},
	checkout.TierLarge:  {rank: 2, length: 16, width: 12, height: 6, weightOz: 40},
}

const minParcelWeightOz = 1

// nameWeights is checked in order; the first keyword found in a product name wins.
var nameWeights = []struct {
	keywords []string
	oz       float64
}{
	{[]string{"booster box"}, 32},
	{[]string{"elite trainer", "etb"}, 24},
	{[]string{"collection"}, 40},
	{[]string{"booster pack", "pack"}, 1},
	{[]string{"single", "card"}, 0.5},
	{[]string{"deck"}, 8},
	{[]string{"box"}, 32},
}

// ItemWeight returns the per-unit weight of a line: the declared weight, then a
// product-name estimate, then the weight of the line's size tier.
func ItemWeight(item checkout.CartItem) float64 {
	if item.WeightOz > 0 {
		return item.WeightOz
	}
	name := strings.ToLower(item.Name)
	if name != "" {
		for _, nw := range nameWeights {
			for _, kw := range nw.keywords {
				if strings.Contains(name, kw) {
					return nw.oz
				}
			}
		}
	}
	return tierOf(item).weightOz
}

// EstimateParcel packs the whole cart into one parcel sized by its largest tier.
func EstimateParcel(items []checkout.CartItem) Parcel {
	largest := tiers[checkout.DefaultTier]
	var weight float64
	for _, it := range items {
		t := tierOf(it)
		if t.rank > largest.rank {
			largest = t
		}
		weight += ItemWeight(it) * float64(it.Quantity)
	}
	if weight < minParcelWeightOz {
		weight = minParcelWeightOz
	}
	return Parcel{
		LengthIn: largest.length,
		WidthIn:  largest.width,
		HeightIn: largest.height,
		WeightOz: weight,
	}
}

func tierOf(item checkout.CartItem) tierSpec {
	if t, ok := tiers[item.Tier()]; ok {
		return t
	}
	return tiers[checkout.DefaultTier]
}
