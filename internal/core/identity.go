package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
)

// WorkloadPrefix is prepended to the task id to form the cluster object name.
const WorkloadPrefix = "mltask-"

// maxWorkloadName keeps names usable as label values and job name prefixes.
const maxWorkloadName = validation.DNS1123LabelMaxLength

// IDGenerator issues task ids.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random (v4) UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }

// Clock abstracts time.Now so tests can pin timestamps.
type Clock func() time.Time

// WorkloadName derives the cluster object name for a task id. The mapping is
// deterministic, so the same id always yields the same name.
func WorkloadName(id string) (string, error) {
	name := WorkloadPrefix + strings.ToLower(strings.TrimSpace(id))
	if len(name) > maxWorkloadName {
		return "", fmt.Errorf("workload name %q exceeds %d characters", name, maxWorkloadName)
	}
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return "", fmt.Errorf("workload name %q: %s", name, strings.Join(errs, "; "))
	}
	return name, nil
}

// ParseDataShape parses "3, 32,32" into [3 32 32]. An empty string is an
// empty shape.
func ParseDataShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	dims := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("dimension %q is not an integer", strings.TrimSpace(p))
		}
		if n <= 0 {
			return nil, fmt.Errorf("dimension %d must be positive", n)
		}
		dims = append(dims, n)
	}
	return dims, nil
}

// FormatDataShape renders dims in the canonical stored form.
func FormatDataShape(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}
