package scaling

import (
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/types"
)

// Records indexes the managed autoscalers known to the controller by the
// workload they target. It is owned by the engine and fed by the autoscaler
// handler and the drift sweep.
type Records struct {
	mu     sync.RWMutex
	byRef  map[WorkloadRef]ManagedRecord
	byName map[types.NamespacedName]WorkloadRef
}

func NewRecords() *Records {
	return &Records{
		byRef:  make(map[WorkloadRef]ManagedRecord),
		byName: make(map[types.NamespacedName]WorkloadRef),
	}
}

// Put inserts or replaces the record for its target.
func (r *Records) Put(rec ManagedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := types.NamespacedName{Namespace: rec.Namespace, Name: rec.Name}
	if prev, ok := r.byName[name]; ok && prev != rec.Target {
		delete(r.byRef, prev)
	}
	if old, ok := r.byRef[rec.Target]; ok {
		delete(r.byName, types.NamespacedName{Namespace: old.Namespace, Name: old.Name})
	}
	r.byRef[rec.Target] = rec
	r.byName[name] = rec.Target
	managedAutoscalers.Set(float64(len(r.byRef)))
}

// Get returns the record for a workload.
func (r *Records) Get(ref WorkloadRef) (ManagedRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byRef[ref]
	return rec, ok
}

// Delete drops the record targeting ref.
func (r *Records) Delete(ref WorkloadRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byRef[ref]; ok {
		delete(r.byName, types.NamespacedName{Namespace: rec.Namespace, Name: rec.Name})
		delete(r.byRef, ref)
	}
	managedAutoscalers.Set(float64(len(r.byRef)))
}

// DeleteByName drops the record of the named autoscaler and returns its target.
func (r *Records) DeleteByName(name types.NamespacedName) (WorkloadRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.byName[name]
	if !ok {
		return WorkloadRef{}, false
	}
	delete(r.byName, name)
	delete(r.byRef, ref)
	managedAutoscalers.Set(float64(len(r.byRef)))
	return ref, true
}

// Retain drops every record whose autoscaler is not in keep. An empty
// namespace applies to all namespaces.
func (r *Records) Retain(namespace string, keep map[types.NamespacedName]bool) []WorkloadRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []WorkloadRef
	for name, ref := range r.byName {
		if namespace != "" && name.Namespace != namespace {
			continue
		}
		if !keep[name] {
			delete(r.byName, name)
			delete(r.byRef, ref)
			dropped = append(dropped, ref)
		}
	}
	managedAutoscalers.Set(float64(len(r.byRef)))
	return dropped
}

// List returns the records of a namespace, or all records when namespace is
// empty, ordered by namespace and name.
func (r *Records) List(namespace string) []ManagedRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ManagedRecord, 0, len(r.byRef))
	for _, rec := range r.byRef {
		if namespace == "" || rec.Namespace == namespace {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Records) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRef)
}
