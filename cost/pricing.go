// Package cost implements the node's billing engine: the historical
// pricing timeline built from the pricing aggregate, per-message cost
// breakdowns and the credit FIFO ledger.
package cost

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/aleph-im/aleph-node/container/jsonmerge"
	"github.com/aleph-im/aleph-node/types"
)

var log = logrus.WithField("prefix", "cost")

const (
	// PriceAggregateOwner is the system address whose "pricing" aggregate
	// defines the network price model.
	PriceAggregateOwner = "0xFba561a84A537fCaa567bb7A2257e7142701ae2A"
	// PriceAggregateKey is the aggregate key of the price model.
	PriceAggregateKey = "pricing"
	// PricePrecision is the decimal precision of token cost values.
	PricePrecision = 18
)

// PricePair holds the two flavors of a unit price: one-shot token
// holding and pay-as-you-go per hour.
type PricePair struct {
	Payg    decimal.Decimal `json:"payg"`
	Holding decimal.Decimal `json:"holding"`
}

// ProductPrice is the price section of one product entry.
type ProductPrice struct {
	Fixed       decimal.Decimal `json:"fixed"`
	Storage     PricePair       `json:"storage"`
	ComputeUnit *PricePair      `json:"compute_unit"`
}

// ComputeUnitSpec is the resource bundle one compute unit buys.
type ComputeUnitSpec struct {
	Vcpus     int64 `json:"vcpus"`
	DiskMib   int64 `json:"disk_mib"`
	MemoryMib int64 `json:"memory_mib"`
}

// PricingTier is one sizing tier of a product, with the GPU model for
// GPU flavors.
type PricingTier struct {
	ID           string `json:"id"`
	ComputeUnits int64  `json:"compute_units"`
	Model        string `json:"model"`
	Vram         int64  `json:"vram"`
}

// ProductPricing is the full pricing entry of one product type.
type ProductPricing struct {
	Type        types.ProductPriceType `json:"-"`
	Price       ProductPrice           `json:"price"`
	Tiers       []PricingTier          `json:"tiers"`
	ComputeUnit *ComputeUnitSpec       `json:"compute_unit"`
}

// PricingModel maps every product type to its pricing entry.
type PricingModel map[types.ProductPriceType]*ProductPricing

// defaultPricingJSON is the built-in model covering times before the
// first pricing aggregate element.
const defaultPricingJSON = `{
  "storage": {"price": {"storage": {"holding": "0.333333333"}}},
  "web3_hosting": {"price": {"fixed": 50, "storage": {"holding": "0.333333333"}}},
  "program": {
    "price": {
      "storage": {"payg": "0.000000977", "holding": "0.05"},
      "compute_unit": {"payg": "0.011", "holding": "200"}
    },
    "tiers": [
      {"id": "tier-1", "compute_units": 1},
      {"id": "tier-2", "compute_units": 2},
      {"id": "tier-3", "compute_units": 4},
      {"id": "tier-4", "compute_units": 6},
      {"id": "tier-5", "compute_units": 8},
      {"id": "tier-6", "compute_units": 12}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 2048, "memory_mib": 2048}
  },
  "program_persistent": {
    "price": {
      "storage": {"payg": "0.000000977", "holding": "0.05"},
      "compute_unit": {"payg": "0.055", "holding": "1000"}
    },
    "tiers": [
      {"id": "tier-1", "compute_units": 1},
      {"id": "tier-2", "compute_units": 2},
      {"id": "tier-3", "compute_units": 4},
      {"id": "tier-4", "compute_units": 6},
      {"id": "tier-5", "compute_units": 8},
      {"id": "tier-6", "compute_units": 12}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 20480, "memory_mib": 2048}
  },
  "instance": {
    "price": {
      "storage": {"payg": "0.000000977", "holding": "0.05"},
      "compute_unit": {"payg": "0.055", "holding": "1000"}
    },
    "tiers": [
      {"id": "tier-1", "compute_units": 1},
      {"id": "tier-2", "compute_units": 2},
      {"id": "tier-3", "compute_units": 4},
      {"id": "tier-4", "compute_units": 6},
      {"id": "tier-5", "compute_units": 8},
      {"id": "tier-6", "compute_units": 12}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 20480, "memory_mib": 2048}
  },
  "instance_confidential": {
    "price": {
      "storage": {"payg": "0.000000977", "holding": "0.05"},
      "compute_unit": {"payg": "0.11", "holding": "2000"}
    },
    "tiers": [
      {"id": "tier-1", "compute_units": 1},
      {"id": "tier-2", "compute_units": 2},
      {"id": "tier-3", "compute_units": 4},
      {"id": "tier-4", "compute_units": 6},
      {"id": "tier-5", "compute_units": 8},
      {"id": "tier-6", "compute_units": 12}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 20480, "memory_mib": 2048}
  },
  "instance_gpu_standard": {
    "price": {
      "storage": {"payg": "0.000000977"},
      "compute_unit": {"payg": "0.28"}
    },
    "tiers": [
      {"id": "tier-1", "vram": 20480, "model": "RTX 4000 ADA", "compute_units": 3},
      {"id": "tier-2", "vram": 24576, "model": "RTX 3090", "compute_units": 4},
      {"id": "tier-3", "vram": 24576, "model": "RTX 4090", "compute_units": 6},
      {"id": "tier-4", "vram": 49152, "model": "L40S", "compute_units": 12}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 61440, "memory_mib": 6144}
  },
  "instance_gpu_premium": {
    "price": {
      "storage": {"payg": "0.000000977"},
      "compute_unit": {"payg": "0.56"}
    },
    "tiers": [
      {"id": "tier-1", "vram": 81920, "model": "A100", "compute_units": 16},
      {"id": "tier-2", "vram": 81920, "model": "H100", "compute_units": 24}
    ],
    "compute_unit": {"vcpus": 1, "disk_mib": 61440, "memory_mib": 6144}
  }
}`

// ParsePricingModel decodes an aggregate content document into a model.
func ParsePricingModel(raw json.RawMessage) (PricingModel, error) {
	var entries map[types.ProductPriceType]*ProductPricing
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "could not parse pricing model")
	}
	model := make(PricingModel, len(entries))
	for priceType, pricing := range entries {
		if pricing == nil {
			continue
		}
		pricing.Type = priceType
		model[priceType] = pricing
	}
	return model, nil
}

// DefaultPricingModel returns the built-in price model.
func DefaultPricingModel() PricingModel {
	model, err := ParsePricingModel(json.RawMessage(defaultPricingJSON))
	if err != nil {
		panic(err)
	}
	return model
}

// TimelineEntry is the effective pricing model starting at From.
type TimelineEntry struct {
	From  time.Time
	Model PricingModel
}

// BuildPricingTimeline folds pricing aggregate elements, in creation
// order, into the chronological sequence of effective models. The
// built-in defaults anchor the timeline before the first element.
func BuildPricingTimeline(elements []*types.AggregateElement) ([]TimelineEntry, error) {
	var merged map[string]interface{}
	if err := json.Unmarshal(json.RawMessage(defaultPricingJSON), &merged); err != nil {
		return nil, errors.Wrap(err, "could not decode default pricing")
	}

	timeline := []TimelineEntry{{Model: DefaultPricingModel()}}
	for _, element := range elements {
		var content map[string]interface{}
		if err := json.Unmarshal(element.Content, &content); err != nil {
			log.WithError(err).WithField("item_hash", element.ItemHash).
				Warn("Skipping malformed pricing aggregate element")
			continue
		}
		merged = jsonmerge.Merge(merged, content)
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, errors.Wrap(err, "could not re-encode pricing model")
		}
		model, err := ParsePricingModel(raw)
		if err != nil {
			log.WithError(err).WithField("item_hash", element.ItemHash).
				Warn("Skipping unparsable pricing aggregate element")
			continue
		}
		timeline = append(timeline, TimelineEntry{From: element.CreationDatetime, Model: model})
	}
	return timeline, nil
}

// EffectiveModel returns the pricing model in force at t.
func EffectiveModel(timeline []TimelineEntry, t time.Time) PricingModel {
	model := timeline[0].Model
	for _, entry := range timeline[1:] {
		if entry.From.After(t) {
			break
		}
		model = entry.Model
	}
	return model
}
