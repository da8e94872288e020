package filter

import (
	"path"
)

// Criteria defines filtering criteria for change events.
// All filters are ANDed together - an event must match ALL criteria to pass.
type Criteria struct {
	NameGlob string // Glob pattern for the state name or kv key, empty = no filter
	Kind     string // Exact match on the event kind ("state" or "kv"), empty = no filter
}

// Matches returns true if an event of kind about name matches all criteria.
// An invalid glob matches nothing.
func (c *Criteria) Matches(kind, name string) bool {
	if c.Kind != "" && kind != c.Kind {
		return false
	}
	if c.NameGlob != "" {
		matched, err := path.Match(c.NameGlob, name)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.NameGlob != "" || c.Kind != ""
}

// Validate reports a malformed glob.
func (c *Criteria) Validate() error {
	if c.NameGlob == "" {
		return nil
	}
	_, err := path.Match(c.NameGlob, "")
	return err
}
