package messaging

import "github.com/stockline/eventcore/contracts"

// DefaultExchange receives events no route claims
const DefaultExchange = "eventcore.events"

// Route sends events matching Pattern to Exchange
type Route struct {
	Pattern  string
	Exchange string
}

// Router resolves the exchange for an event type. The first matching route
// wins.
type Router struct {
	routes          []Route
	defaultExchange string
}

// NewRouter creates a router falling back to defaultExchange
func NewRouter(defaultExchange string, routes ...Route) *Router {
	if defaultExchange == "" {
		defaultExchange = DefaultExchange
	}
	return &Router{
		routes:          append([]Route(nil), routes...),
		defaultExchange: defaultExchange,
	}
}

// Resolve returns the exchange for eventType
func (r *Router) Resolve(eventType string) string {
	for _, route := range r.routes {
		if contracts.MatchPattern(route.Pattern, eventType) {
			return route.Exchange
		}
	}
	return r.defaultExchange
}

// ExchangeForPattern returns the exchange a subscription pattern should be
// bound on. A route declared with the identical pattern wins over matching.
func (r *Router) ExchangeForPattern(pattern string) string {
	for _, route := range r.routes {
		if route.Pattern == pattern {
			return route.Exchange
		}
	}
	return r.Resolve(pattern)
}

// Exchanges returns every exchange the router can resolve to
func (r *Router) Exchanges() []string {
	seen := map[string]bool{r.defaultExchange: true}
	out := []string{r.defaultExchange}
	for _, route := range r.routes {
		if !seen[route.Exchange] {
			seen[route.Exchange] = true
			out = append(out, route.Exchange)
		}
	}
	return out
}
