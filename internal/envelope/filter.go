package envelope

// Filter is a subscription predicate over Envelopes: every populated field
// must be satisfied for an Envelope to match (conjunction, spec.md §4.2).
type Filter struct {
	IDs     []string          // optional set of envelope ids
	Authors []string          // optional set of authors
	Kinds   []Kind            // optional set of kinds
	Since   *int64            // optional inclusive lower bound on created_at
	Until   *int64            // optional inclusive upper bound on created_at
	Tags    map[string][]string // tag-char -> required set of values
}

// Match reports whether the envelope satisfies every populated field of f.
func (f Filter) Match(e *Envelope) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.Author) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for tagName, values := range f.Tags {
		if !matchesAnyTag(e, tagName, values) {
			return false
		}
	}
	return true
}

func matchesAnyTag(e *Envelope, tagName string, values []string) bool {
	for _, t := range e.Tags {
		if len(t) < 2 || t[0] != tagName {
			continue
		}
		if containsString(values, t[1]) {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsKind(set []Kind, v Kind) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// TagValues returns the required value sets for a tag filter in a form
// convenient for building router index keys, e.g. ("d", ["agent-state-v1"]).
func (f Filter) TagValues() map[string][]string {
	return f.Tags
}
