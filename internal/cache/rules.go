package cache

import (
	"regexp"
	"strings"

	"github.com/JohanCodinha/prmirror/internal/logger"
)

// InvalidationRule selects cache entries for purging. Exactly one selector is
// set per rule; build rules with the constructor functions.
type InvalidationRule struct {
	exact   string
	prefix  string
	pattern *regexp.Regexp
	tag     string
}

// ExactRule matches a single key.
func ExactRule(key string) InvalidationRule {
	return InvalidationRule{exact: key}
}

// PrefixRule matches all keys starting with p.
func PrefixRule(p string) InvalidationRule {
	return InvalidationRule{prefix: p}
}

// PatternRule matches keys against a regular expression.
func PatternRule(re *regexp.Regexp) InvalidationRule {
	return InvalidationRule{pattern: re}
}

// TagRule matches entries carrying the given tag.
func TagRule(tag string) InvalidationRule {
	return InvalidationRule{tag: tag}
}

// matches reports whether the rule selects an entry with the given key and
// tags.
func (r InvalidationRule) matches(key string, tags map[string]struct{}) bool {
	switch {
	case r.exact != "":
		return key == r.exact
	case r.prefix != "":
		return strings.HasPrefix(key, r.prefix)
	case r.pattern != nil:
		return r.pattern.MatchString(key)
	case r.tag != "":
		_, ok := tags[r.tag]
		return ok
	default:
		return false
	}
}

// equal compares two rules for RemoveInvalidationRule. Patterns compare by
// their source expression.
func (r InvalidationRule) equal(other InvalidationRule) bool {
	if (r.pattern == nil) != (other.pattern == nil) {
		return false
	}
	if r.pattern != nil && r.pattern.String() != other.pattern.String() {
		return false
	}
	return r.exact == other.exact && r.prefix == other.prefix && r.tag == other.tag
}

// Invalidate purges every entry matching any of the given rules from both
// tiers and returns the number of keys removed.
func (c *Cache) Invalidate(rules ...InvalidationRule) int {
	if len(rules) == 0 {
		return 0
	}

	removed := make(map[string]struct{})

	c.mu.Lock()
	for key, e := range c.entries {
		for _, r := range rules {
			if r.matches(key, e.tags) {
				delete(c.entries, key)
				removed[key] = struct{}{}
				break
			}
		}
	}
	c.mu.Unlock()

	// Slow tier: key-based rules match directly; tag rules need the stored
	// entry's tag set.
	keys, err := c.store.Keys()
	if err != nil {
		logger.Warn("cache: invalidate failed to list slow tier: %v", err)
	} else {
		for _, k := range keys {
			if !strings.HasPrefix(k, slowTierPrefix) {
				continue
			}
			key := strings.TrimPrefix(k, slowTierPrefix)
			if _, done := removed[key]; done {
				continue
			}
			var tags map[string]struct{}
			for _, r := range rules {
				if r.tag != "" && tags == nil {
					pe, ok, err := c.readSlowTier(key)
					if err != nil || !ok {
						tags = map[string]struct{}{}
					} else {
						tags = make(map[string]struct{}, len(pe.Tags))
						for _, t := range pe.Tags {
							tags[t] = struct{}{}
						}
					}
				}
				if r.matches(key, tags) {
					removed[key] = struct{}{}
					break
				}
			}
		}
	}

	for key := range removed {
		c.enqueueSlow(slowOp{key: key})
	}
	if len(removed) > 0 {
		logger.Debug("cache: invalidated %d entries", len(removed))
	}
	return len(removed)
}

// AddInvalidationRule registers a rule for later reuse via
// ApplyInvalidationRules.
func (c *Cache) AddInvalidationRule(rule InvalidationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// RemoveInvalidationRule unregisters the first registered rule equal to rule.
func (c *Cache) RemoveInvalidationRule(rule InvalidationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, r := range c.rules {
		if r.equal(rule) {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			return
		}
	}
}

// ApplyInvalidationRules runs all registered rules and returns the number of
// keys removed.
func (c *Cache) ApplyInvalidationRules() int {
	c.mu.Lock()
	rules := append([]InvalidationRule(nil), c.rules...)
	c.mu.Unlock()
	return c.Invalidate(rules...)
}
