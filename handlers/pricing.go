package handlers

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/aleph-im/aleph-node/cost"
	"github.com/aleph-im/aleph-node/db"
	"github.com/aleph-im/aleph-node/types"
)

// pricingTTL bounds how stale the cached timeline may get when the price
// aggregate is updated by another node sharing the database.
const pricingTTL = 5 * time.Minute

const pricingTimelineKey = "timeline"

var pricingCache = gocache.New(pricingTTL, 10*time.Minute)

// pricingTimeline replays the pricing aggregate, cached across messages:
// the timeline only changes when the system price aggregate does.
func pricingTimeline(ctx context.Context, q db.Querier) ([]cost.TimelineEntry, error) {
	if cached, ok := pricingCache.Get(pricingTimelineKey); ok {
		return cached.([]cost.TimelineEntry), nil
	}
	elements, err := db.GetAggregateElements(ctx, q, cost.PriceAggregateKey, cost.PriceAggregateOwner)
	if err != nil {
		return nil, err
	}
	timeline, err := cost.BuildPricingTimeline(elements)
	if err != nil {
		return nil, err
	}
	pricingCache.SetDefault(pricingTimelineKey, timeline)
	return timeline, nil
}

// invalidatePricing drops the cached timeline after a write to the price
// aggregate.
func invalidatePricing(key, owner string) {
	if key == cost.PriceAggregateKey && owner == cost.PriceAggregateOwner {
		pricingCache.Delete(pricingTimelineKey)
	}
}

// effectivePricingModel returns the model in force at the message time so
// old messages are valued at their historical prices.
func effectivePricingModel(ctx context.Context, q db.Querier, message *types.Message) (cost.PricingModel, error) {
	timeline, err := pricingTimeline(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(timeline) == 0 {
		return cost.DefaultPricingModel(), nil
	}
	return cost.EffectiveModel(timeline, message.Time), nil
}
