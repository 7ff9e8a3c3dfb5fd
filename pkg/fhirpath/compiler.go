package fhirpath

import (
	"fmt"
	"log/slog"

	"github.com/gofhirpath/engine/internal/parser"
)

// compile parses a FHIRPath expression into a compiled Expression.
func compile(expr string) (*Expression, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty expression")
	}

	tree, err := parser.Parse(expr)
	if err != nil {
		slog.Default().Debug("expression compile failed", "expr", expr, "error", err)
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &Expression{
		source: expr,
		tree:   tree,
	}, nil
}
