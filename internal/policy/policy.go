package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/utils/ptr"
)

// Keys recognized in the namespace's policy ConfigMap.
const (
	KeyMinReplicas   = "min_replicas"
	KeyMaxReplicas   = "max_replicas"
	KeyCPUAverage    = "cpu_average"
	KeyMemoryAverage = "memory_average"
)

const (
	DefaultMinReplicas       int32 = 1
	DefaultMaxReplicas       int32 = 10
	DefaultCPUUtilization    int32 = 50
	DefaultMemoryUtilization int32 = 50
)

// DefaultConfigMapName is the well-known name of the per-namespace policy ConfigMap.
const DefaultConfigMapName = "hpa-config"

// HpaPolicy is the resolved autoscaling policy for a namespace.
type HpaPolicy struct {
	MinReplicas int32 `json:"minReplicas"`
	MaxReplicas int32 `json:"maxReplicas"`
	// CPUUtilization is the target average CPU utilization in percent.
	CPUUtilization *int32 `json:"cpuUtilization,omitempty"`
	// MemoryUtilization is the target average memory utilization in percent.
	MemoryUtilization *int32 `json:"memoryUtilization,omitempty"`
}

// Defaults returns the policy applied when a namespace has no configuration.
func Defaults() HpaPolicy {
	return HpaPolicy{
		MinReplicas:       DefaultMinReplicas,
		MaxReplicas:       DefaultMaxReplicas,
		CPUUtilization:    ptr.To(DefaultCPUUtilization),
		MemoryUtilization: ptr.To(DefaultMemoryUtilization),
	}
}

// Equal reports whether two policies carry the same values.
func (p HpaPolicy) Equal(o HpaPolicy) bool {
	return p.MinReplicas == o.MinReplicas &&
		p.MaxReplicas == o.MaxReplicas &&
		ptr.Equal(p.CPUUtilization, o.CPUUtilization) &&
		ptr.Equal(p.MemoryUtilization, o.MemoryUtilization)
}

func (p HpaPolicy) String() string {
	cpu, mem := "-", "-"
	if p.CPUUtilization != nil {
		cpu = strconv.Itoa(int(*p.CPUUtilization))
	}
	if p.MemoryUtilization != nil {
		mem = strconv.Itoa(int(*p.MemoryUtilization))
	}
	return fmt.Sprintf("min=%d max=%d cpu=%s memory=%s", p.MinReplicas, p.MaxReplicas, cpu, mem)
}

// ConfigurationError describes a single malformed field of a policy ConfigMap.
// The field it names has been replaced by its default.
type ConfigurationError struct {
	Namespace string
	Key       string
	Value     string
	Reason    string
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("invalid %s=%q: %s", e.Key, e.Value, e.Reason)
	if e.Value == "" {
		msg = fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
	}
	if e.Namespace == "" {
		return msg
	}
	return fmt.Sprintf("namespace %s: %s", e.Namespace, msg)
}

// IsConfigurationError reports whether err carries only field-level configuration
// problems, meaning the policy returned alongside it is usable.
func IsConfigurationError(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if !IsConfigurationError(e) {
				return false
			}
		}
		return true
	}
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// ConfigurationErrors flattens err into the field errors it carries.
func ConfigurationErrors(err error) []*ConfigurationError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*ConfigurationError
		for _, e := range joined.Unwrap() {
			out = append(out, ConfigurationErrors(e)...)
		}
		return out
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return []*ConfigurationError{cfgErr}
	}
	return nil
}

// Parse builds a policy from ConfigMap data. Fields are parsed independently:
// a malformed field falls back to its default and is reported in the returned
// error, which is nil or satisfies IsConfigurationError. The returned policy is
// always valid.
func Parse(namespace string, data map[string]string) (HpaPolicy, error) {
	p := Defaults()
	var errs []error

	field := func(key string, lo, hi int32, set func(int32)) {
		raw, ok := data[key]
		if !ok || strings.TrimSpace(raw) == "" {
			return
		}
		v, reason := parseInt32(raw, lo, hi)
		if reason != "" {
			errs = append(errs, &ConfigurationError{Namespace: namespace, Key: key, Value: raw, Reason: reason})
			return
		}
		set(v)
	}

	field(KeyMinReplicas, 1, 1<<31-1, func(v int32) { p.MinReplicas = v })
	maxSet := false
	field(KeyMaxReplicas, 1, 1<<31-1, func(v int32) { p.MaxReplicas, maxSet = v, true })
	field(KeyCPUAverage, 1, 100, func(v int32) { p.CPUUtilization = ptr.To(v) })
	field(KeyMemoryAverage, 1, 100, func(v int32) { p.MemoryUtilization = ptr.To(v) })

	if p.MaxReplicas < p.MinReplicas {
		cfgErr := &ConfigurationError{
			Namespace: namespace,
			Key:       KeyMaxReplicas,
			Reason:    fmt.Sprintf("default %d is below %s (%d)", DefaultMaxReplicas, KeyMinReplicas, p.MinReplicas),
		}
		if maxSet {
			cfgErr.Value = strconv.Itoa(int(p.MaxReplicas))
			cfgErr.Reason = fmt.Sprintf("must be >= %s (%d)", KeyMinReplicas, p.MinReplicas)
		}
		errs = append(errs, cfgErr)
		p.MaxReplicas = max(DefaultMaxReplicas, p.MinReplicas)
	}

	return p, errors.Join(errs...)
}

func parseInt32(raw string, lo, hi int32) (int32, string) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, "not an integer"
	}
	if int32(v) < lo || int32(v) > hi {
		return 0, fmt.Sprintf("out of range [%d, %d]", lo, hi)
	}
	return int32(v), ""
}
