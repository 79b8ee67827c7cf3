package policy

import (
	"sort"
	"sync"
)

// EnableAnnotation opts a namespace into automatic HPA management when set to "true".
const EnableAnnotation = "auto_hpa"

// EnabledByAnnotations reports whether the annotation set opts the namespace in.
// Any value other than the exact string "true" means disabled.
func EnabledByAnnotations(annotations map[string]string) bool {
	return annotations[EnableAnnotation] == "true"
}

// Transition is the change in enablement produced by an observation.
type Transition int

const (
	Unchanged Transition = iota
	Enabled
	Disabled
)

func (t Transition) String() string {
	switch t {
	case Enabled:
		return "Enabled"
	case Disabled:
		return "Disabled"
	}
	return "Unchanged"
}

// NamespaceState is what the controller knows about a namespace.
type NamespaceState struct {
	Name    string     `json:"name"`
	Enabled bool       `json:"enabled"`
	Policy  *HpaPolicy `json:"policy,omitempty"`

	// observed is set once the namespace's annotations have been read. A
	// policy can arrive first.
	observed bool
}

// Tracker holds the enablement and last resolved policy of every observed
// namespace. It is only fed by the namespace and ConfigMap handlers.
//
// Disabling a namespace never removes managed autoscalers by itself; it only
// stops new ones from being created.
type Tracker struct {
	mu         sync.RWMutex
	namespaces map[string]*NamespaceState
}

func NewTracker() *Tracker {
	return &Tracker{namespaces: make(map[string]*NamespaceState)}
}

// Observe records the namespace's annotations. The first observation of an
// enabled namespace counts as a transition to Enabled.
func (t *Tracker) Observe(name string, annotations map[string]string) Transition {
	enabled := EnabledByAnnotations(annotations)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.namespaces[name]
	if !ok {
		st = &NamespaceState{Name: name}
		t.namespaces[name] = st
	}
	if !st.observed {
		st.observed = true
		st.Enabled = enabled
		if enabled {
			return Enabled
		}
		return Unchanged
	}
	if st.Enabled == enabled {
		return Unchanged
	}
	st.Enabled = enabled
	if enabled {
		return Enabled
	}
	return Disabled
}

// IsEnabled returns whether the namespace is opted in and whether it has been
// observed at all.
func (t *Tracker) IsEnabled(name string) (enabled, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.namespaces[name]
	if !ok || !st.observed {
		return false, false
	}
	return st.Enabled, true
}

// SetPolicy stores the last resolved policy and reports whether it changed.
// It never marks the namespace as observed.
func (t *Tracker) SetPolicy(name string, p HpaPolicy) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.namespaces[name]
	if !ok {
		st = &NamespaceState{Name: name}
		t.namespaces[name] = st
	}
	if st.Policy != nil && st.Policy.Equal(p) {
		return false
	}
	st.Policy = &p
	return true
}

// Policy returns the last resolved policy, if a ConfigMap has been observed.
func (t *Tracker) Policy(name string) (HpaPolicy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.namespaces[name]
	if !ok || st.Policy == nil {
		return HpaPolicy{}, false
	}
	return *st.Policy, true
}

// ClearPolicy forgets the resolved policy, e.g. after the ConfigMap is deleted.
func (t *Tracker) ClearPolicy(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.namespaces[name]; ok {
		st.Policy = nil
	}
}

// Forget drops a deleted namespace.
func (t *Tracker) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.namespaces, name)
}

// Enabled lists the opted-in namespaces in name order.
func (t *Tracker) Enabled() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for name, st := range t.namespaces {
		if st.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of every known namespace state in name order.
func (t *Tracker) Snapshot() []NamespaceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]NamespaceState, 0, len(t.namespaces))
	for _, st := range t.namespaces {
		cp := *st
		if st.Policy != nil {
			p := *st.Policy
			cp.Policy = &p
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
