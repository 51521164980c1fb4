package routing

import (
	"regexp"
	"sync"

	"github.com/mohae/deepcopy"
)

// MatcherKind tags which Matcher variant a Rule carries.
type MatcherKind int

const (
	MatchModelPattern MatcherKind = iota
	MatchListener
	MatchProviderOverride
	MatchAlways
)

// Matcher is one rule's selection condition (spec §4.L6). It holds no
// compiled state itself — regexes are compiled lazily into a package-level
// cache keyed by pattern source — so Matcher stays a plain value type safe
// to deep-copy on table reload.
type Matcher struct {
	Kind         MatcherKind
	Pattern      string // MatchModelPattern: regex source
	ListenerKind string // MatchListener
}

var (
	patternCacheMu sync.RWMutex
	patternCache   = map[string]*regexp.Regexp{}
)

// compiledPattern compiles src lazily and caches the result (or the fact
// that it failed to compile, cached as a nil entry so a bad regex fails
// closed for every subsequent lookup instead of recompiling every request).
func compiledPattern(src string) *regexp.Regexp {
	patternCacheMu.RLock()
	re, ok := patternCache[src]
	patternCacheMu.RUnlock()
	if ok {
		return re
	}

	patternCacheMu.Lock()
	defer patternCacheMu.Unlock()
	if re, ok = patternCache[src]; ok {
		return re
	}
	re, _ = regexp.Compile(src)
	patternCache[src] = re
	return re
}

// Matches evaluates the matcher against one request's model and listener
// kind. An invalid regex fails closed (never matches) for its rule.
func (m *Matcher) Matches(model, listenerKind string, hasOverride bool) bool {
	switch m.Kind {
	case MatchAlways:
		return true
	case MatchListener:
		return m.ListenerKind == listenerKind
	case MatchProviderOverride:
		return hasOverride
	case MatchModelPattern:
		re := compiledPattern(m.Pattern)
		if re == nil {
			return false
		}
		return re.MatchString(model)
	default:
		return false
	}
}

// Decision is what a matched Rule (or the provider-override shortcut)
// produces: either a fixed primary+fallbacks cascade or a Strategy to
// materialize candidates from.
type Decision struct {
	RuleName  string
	Primary   string
	Fallbacks []string
	Strategy  *RoutingStrategy
}

// Candidates returns the full ordered provider list this decision implies.
func (d Decision) Candidates() []string {
	if d.Strategy != nil {
		return CandidateList(*d.Strategy)
	}
	out := make([]string, 0, 1+len(d.Fallbacks))
	out = append(out, d.Primary)
	out = append(out, d.Fallbacks...)
	return out
}

// Rule is one entry in the RoutingTable, matched in priority order (higher
// first; ties broken by insertion order).
type Rule struct {
	Priority int
	Name     string
	Matcher  Matcher
	Decision Decision
}

// RoutingContext carries what the ingress pipeline knows about the request
// that the table needs to pick a rule.
type RoutingContext struct {
	Model            string
	ListenerKind     string
	ProviderOverride string // non-empty when the caller forced a provider
}

// ErrNoRoute is returned when no rule matches and there is no override.
type ErrNoRoute struct{ Model string }

func (e *ErrNoRoute) Error() string { return "routing: no route for model " + e.Model }

// RoutingTable is read-mostly; Reload swaps a fresh copy of the rule slice
// under a lock so concurrent Decide calls never observe a half-updated
// table (spec §5 "reloads swap a reference atomically").
type RoutingTable struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRoutingTable(rules []Rule) *RoutingTable {
	t := &RoutingTable{}
	t.Reload(rules)
	return t
}

// Reload deep-copies the incoming rule slice (grounded in the teacher's
// GetHealthStatus/GetCapabilities deep-copy idiom in router.go) and installs
// it, preserving priority order with ties broken by original insertion order
// via a stable sort.
func (t *RoutingTable) Reload(rules []Rule) {
	copied := deepcopy.Copy(rules).([]Rule)
	stableSortByPriorityDesc(copied)

	t.mu.Lock()
	t.rules = copied
	t.mu.Unlock()
}

func stableSortByPriorityDesc(rules []Rule) {
	// Simple stable insertion sort: rule sets are small (tens, not
	// thousands), and insertion sort preserves insertion order for equal
	// priorities without importing sort's less-obvious stability caveats.
	for i := 1; i < len(rules); i++ {
		j := i
		for j > 0 && rules[j].Priority > rules[j-1].Priority {
			rules[j], rules[j-1] = rules[j-1], rules[j]
			j--
		}
	}
}

// Decide evaluates the provider-override shortcut first, then scans rules in
// priority order and returns the first match.
func (t *RoutingTable) Decide(ctx RoutingContext) (Decision, error) {
	if ctx.ProviderOverride != "" {
		return Decision{RuleName: "provider_override", Primary: ctx.ProviderOverride}, nil
	}

	t.mu.RLock()
	rules := t.rules
	t.mu.RUnlock()

	hasOverride := ctx.ProviderOverride != ""
	for i := range rules {
		r := &rules[i]
		if r.Matcher.Matches(ctx.Model, ctx.ListenerKind, hasOverride) {
			return r.Decision, nil
		}
	}
	return Decision{}, &ErrNoRoute{Model: ctx.Model}
}
