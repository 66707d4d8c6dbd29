package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spottrader/internal/config"
	"spottrader/internal/core"
	"spottrader/internal/indicators"
)

// Route is the execution strategy chosen for an order
type Route string

const (
	RouteMarket Route = "MARKET"
	RouteLimit  Route = "LIMIT"
	RouteTWAP   Route = "TWAP"
	RouteReject Route = "REJECT"
)

// TWAP split bounds
const (
	twapMinSplits  = 3
	twapMaxSplits  = 5
	twapSplitValue = 2000.0
)

// RoutingDecision is the router's verdict for one order
type RoutingDecision struct {
	Route      Route
	Reason     string
	TWAPSplits int
}

// Router picks the execution strategy from order value and book quality.
// Small orders cross the spread directly, medium orders rest as limits,
// large orders get time-sliced, and a thin book rejects outright.
type Router struct {
	cfg    *config.ExecutionConfig
	logger core.ILogger
}

// NewRouter constructs the order router
func NewRouter(cfg *config.ExecutionConfig, logger core.ILogger) *Router {
	return &Router{cfg: cfg, logger: logger.WithField("component", "router")}
}

// Route decides how to execute an order of the given quote value against
// a book of the given liquidity grade. The spread grade is carried for
// logging; liquidity alone drives the routing today.
func (r *Router) Route(quoteValue decimal.Decimal, liquidity indicators.LiquidityGrade, spread indicators.SpreadQuality) RoutingDecision {
	value, _ := quoteValue.Float64()

	var decision RoutingDecision
	switch {
	case liquidity == indicators.LiquidityPoor:
		decision = RoutingDecision{Route: RouteReject, Reason: "poor liquidity"}
	case value < r.cfg.MarketOrderThreshold:
		decision = RoutingDecision{
			Route:  RouteMarket,
			Reason: fmt.Sprintf("small order (%.2f < %.2f)", value, r.cfg.MarketOrderThreshold),
		}
	case value < r.cfg.TWAPThreshold && liquidity == indicators.LiquidityGood:
		decision = RoutingDecision{Route: RouteLimit, Reason: "medium order with good liquidity"}
	case value >= r.cfg.TWAPThreshold && liquidity == indicators.LiquidityGood:
		splits := int(value / twapSplitValue)
		if splits < twapMinSplits {
			splits = twapMinSplits
		}
		if splits > twapMaxSplits {
			splits = twapMaxSplits
		}
		decision = RoutingDecision{
			Route:      RouteTWAP,
			Reason:     fmt.Sprintf("large order (%.2f), splitting into %d chunks", value, splits),
			TWAPSplits: splits,
		}
	default:
		decision = RoutingDecision{Route: RouteLimit, Reason: "default limit order"}
	}

	r.logger.Debug("Order routed",
		"value", quoteValue.String(),
		"liquidity", string(liquidity),
		"spread", string(spread),
		"route", string(decision.Route),
		"reason", decision.Reason)
	return decision
}
