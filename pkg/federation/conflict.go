package federation

import (
	"fmt"
	"strings"
)

// ConflictKind tags one category of composition failure.
type ConflictKind int

const (
	// ConflictingFieldOwnership: two subgraphs define the same field on a
	// shared type and the field is neither shareable nor part of an entity key.
	ConflictingFieldOwnership ConflictKind = iota
	// IncompatibleEntityKey: the subgraphs declaring keys for a type share
	// no common key field set.
	IncompatibleEntityKey
	// MissingKeyResolver: a type spans subgraphs but no subgraph declares a
	// key to resolve references by.
	MissingKeyResolver
	// DanglingTypeReference: a field's return type is never defined by any
	// subgraph.
	DanglingTypeReference
)

func (k ConflictKind) String() string {
	switch k {
	case ConflictingFieldOwnership:
		return "ConflictingFieldOwnership"
	case IncompatibleEntityKey:
		return "IncompatibleEntityKey"
	case MissingKeyResolver:
		return "MissingKeyResolver"
	case DanglingTypeReference:
		return "DanglingTypeReference"
	default:
		return fmt.Sprintf("ConflictKind(%d)", int(k))
	}
}

// Conflict describes a single composition conflict.
type Conflict struct {
	Kind      ConflictKind
	TypeName  string
	FieldName string
	Subgraphs []string
	Detail    string
}

func (c Conflict) String() string {
	loc := c.TypeName
	if c.FieldName != "" {
		loc = c.TypeName + "." + c.FieldName
	}
	msg := fmt.Sprintf("%s at %s (subgraphs: %s)", c.Kind, loc, strings.Join(c.Subgraphs, ", "))
	if c.Detail != "" {
		msg += ": " + c.Detail
	}
	return msg
}

// CompositionError carries every conflict found in one composition run, not
// just the first.
type CompositionError struct {
	Conflicts []Conflict
}

func (e *CompositionError) Error() string {
	msgs := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		msgs[i] = c.String()
	}
	return fmt.Sprintf("schema composition failed with %d conflict(s): %s", len(e.Conflicts), strings.Join(msgs, "; "))
}

// HasKind reports whether any conflict of the given kind was recorded.
func (e *CompositionError) HasKind(kind ConflictKind) bool {
	for _, c := range e.Conflicts {
		if c.Kind == kind {
			return true
		}
	}
	return false
}
