package gateway

import (
	"strings"

	"github.com/stockline/eventcore/contracts"
)

// FanoutKind selects how an event reaches connections
type FanoutKind int

const (
	// FanoutUpdate pushes "<domain>_updated" to connections whose item or
	// location filter matches
	FanoutUpdate FanoutKind = iota
	// FanoutAlert pushes "<domain>_alert" to connections whose alert type
	// filter matches
	FanoutAlert
	// FanoutTenantBroadcast pushes to every connection of the tenant
	FanoutTenantBroadcast
)

// FanoutRule maps an event pattern to a push. An empty MessageType derives
// it from the event domain.
type FanoutRule struct {
	Pattern     string
	Kind        FanoutKind
	MessageType string
}

// DefaultFanoutRules returns the rules used when none are configured.
// Rules are tried in order; alerts come first so "inventory.alert.*" is
// pushed as an alert rather than an update.
func DefaultFanoutRules() []FanoutRule {
	return []FanoutRule{
		{Pattern: "*.alert.#", Kind: FanoutAlert},
		{Pattern: "inventory.#", Kind: FanoutUpdate, MessageType: "inventory_updated"},
		{Pattern: "location.#", Kind: FanoutTenantBroadcast, MessageType: "location_updated"},
	}
}

func (r FanoutRule) messageType(env *contracts.Envelope) string {
	if r.MessageType != "" {
		return r.MessageType
	}
	switch r.Kind {
	case FanoutAlert:
		return env.Domain() + "_alert"
	default:
		return env.Domain() + "_updated"
	}
}

func (g *Gateway) ruleFor(eventType string) (FanoutRule, bool) {
	for _, r := range g.rules {
		if contracts.MatchPattern(r.Pattern, eventType) {
			return r, true
		}
	}
	return FanoutRule{}, false
}

// alertType returns the payload alertType, or the last segment of the event
// type ("low_stock" for "inventory.alert.low_stock")
func alertType(env *contracts.Envelope) string {
	if t := env.Attr("alertType"); t != "" {
		return t
	}
	t := env.Type()
	return t[strings.LastIndexByte(t, '.')+1:]
}

// Fanout pushes env to the matching connections of its tenant and returns
// how many were reached. Connections of other tenants are never considered.
func (g *Gateway) Fanout(env *contracts.Envelope) int {
	rule, ok := g.ruleFor(env.Type())
	if !ok {
		return 0
	}
	messageType := rule.messageType(env)
	tenantID := env.TenantID()

	if rule.Kind == FanoutTenantBroadcast {
		return g.BroadcastToTenant(tenantID, messageType, env.Payload())
	}

	var frame any
	switch rule.Kind {
	case FanoutAlert:
		frame = alertFrame{
			Type:      messageType,
			EventType: env.Type(),
			EventID:   env.ID(),
			Alert:     env.Payload(),
			Timestamp: env.OccurredAt(),
		}
	default:
		frame = updateFrame{
			Type:      messageType,
			EventType: env.Type(),
			EventID:   env.ID(),
			Data:      env.Payload(),
			Timestamp: env.OccurredAt(),
		}
	}
	data, err := encodeFrame(frame)
	if err != nil {
		g.logger.Error("failed to encode push", "eventId", env.ID(), "type", messageType, "error", err)
		return 0
	}

	subject, location, alert := env.Subject(), env.Location(), alertType(env)
	sent := 0
	for _, c := range g.roomSnapshot(tenantID) {
		if c.tenantID != tenantID {
			continue
		}
		f := c.Filter()
		if rule.Kind == FanoutAlert && !f.MatchesAlert(alert) {
			continue
		}
		if rule.Kind == FanoutUpdate && !f.MatchesEvent(subject, location) {
			continue
		}
		if g.sendRaw(c, messageType, data) {
			sent++
		}
	}

	g.logger.Debug("event fanned out", "eventId", env.ID(), "eventType", env.Type(), "tenantId", tenantID, "connections", sent)
	return sent
}
