package manager

import (
	"fmt"
	"strings"
)

// CircularDependencyError reports a dependency cycle between features.
// Cycle holds the participating feature names in traversal order, with
// the first name repeated at the end.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency between features: %s", strings.Join(e.Cycle, " -> "))
}

// DependencyError reports that a feature cannot run because one or more
// of its declared dependencies is unknown, disabled or not started.
type DependencyError struct {
	Feature string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("feature %s: unmet dependencies: %s", e.Feature, strings.Join(e.Missing, ", "))
}

// LifecycleError wraps a failure from one lifecycle operation on one
// feature.
type LifecycleError struct {
	Feature string
	Op      string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("feature %s: %s failed: %v", e.Feature, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
