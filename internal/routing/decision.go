package routing

// Decision and RoutingContext now live in table.go as part of the L6
// routing table (spec §4.L6): a Decision is either a fixed primary+fallback
// cascade or a Strategy to materialize candidates from, and RoutingContext
// is the (model, listener kind, provider override) triple the table
// matches against. This file intentionally left without the teacher's
// RoutingDecision/RoutingContext (cost/performance/round-robin reasoning,
// feature-compatibility matrix) — that bookkeeping belonged to a routing
// model spec.md replaces outright; see DESIGN.md.
