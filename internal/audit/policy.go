package audit

import (
	"fmt"
	"strings"
)

// CreationPolicy decides when and how many times a scope writes its event.
//
// The zero value means "not set" so that resolution can fall through from
// explicit options to owner defaults to the global configuration.
type CreationPolicy int

const (
	// PolicyUnset defers to the next configuration layer.
	PolicyUnset CreationPolicy = iota
	// InsertOnEnd inserts the event once, when the scope ends.
	InsertOnEnd
	// InsertOnStartReplaceOnEnd inserts at start and replaces that record at end.
	InsertOnStartReplaceOnEnd
	// InsertOnStartInsertOnEnd inserts at start and inserts a second record at end.
	InsertOnStartInsertOnEnd
	// Manual never writes automatically; the caller must call Scope.Save.
	Manual
)

// DefaultCreationPolicy applies when no layer sets a policy.
const DefaultCreationPolicy = InsertOnEnd

var policyNames = map[CreationPolicy]string{
	PolicyUnset:               "unset",
	InsertOnEnd:               "insert-on-end",
	InsertOnStartReplaceOnEnd: "insert-on-start-replace-on-end",
	InsertOnStartInsertOnEnd:  "insert-on-start-insert-on-end",
	Manual:                    "manual",
}

func (p CreationPolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// insertsOnStart reports whether the policy writes during scope construction.
func (p CreationPolicy) insertsOnStart() bool {
	return p == InsertOnStartReplaceOnEnd || p == InsertOnStartInsertOnEnd
}

// ParseCreationPolicy parses the kebab-case policy name used in config files.
// Matching is case-insensitive.
func ParseCreationPolicy(s string) (CreationPolicy, error) {
	needle := strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if name == needle && p != PolicyUnset {
			return p, nil
		}
	}
	return PolicyUnset, fmt.Errorf("unknown creation policy %q", s)
}
