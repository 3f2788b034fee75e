package graph

import (
	"errors"
	"strings"
)

// ErrMalformedGraph indicates structural corruption of a definition. It is never retried.
var ErrMalformedGraph = errors.New("malformed graph")

// MalformedGraphError lists every structural problem found while indexing a definition.
type MalformedGraphError struct {
	Problems []string
}

func (e *MalformedGraphError) Error() string {
	return "malformed graph: " + strings.Join(e.Problems, "; ")
}

func (e *MalformedGraphError) Unwrap() error {
	return ErrMalformedGraph
}

// IsMalformed checks if an error indicates a malformed graph.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedGraph)
}
