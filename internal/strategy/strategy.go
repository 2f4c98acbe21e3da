// Package strategy runs ordered fallbacks where the first strategy that finds its target wins.
// Site layouts change without notice, so each variant is a named entry in a list instead of a
// branch in control flow.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrNoneFound is returned by First when every strategy reported not-found.
var ErrNoneFound = errors.New("no strategy succeeded")

// Outcome tags the result of a single attempt.
type Outcome int

const (
	NotFound Outcome = iota
	Found
)

// Strategy is one named attempt. Try returns Found with a value, NotFound, or an error; errors
// are treated like NotFound by First but are kept for the final report.
type Strategy[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, Outcome, error)
}

// Result reports which strategy produced the value.
type Result[T any] struct {
	Value T
	Name  string
}

// First tries strategies in order and returns the first Found result. It stops early when
// ctx is done.
func First[T any](ctx context.Context, scope string, strategies ...Strategy[T]) (Result[T], error) {
	var failures []string
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return Result[T]{}, err
		}
		v, outcome, err := s.Try(ctx)
		if err != nil {
			slog.DebugContext(ctx, "strategy failed", "scope", scope, "strategy", s.Name, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name, err))
			continue
		}
		if outcome == Found {
			slog.DebugContext(ctx, "strategy found", "scope", scope, "strategy", s.Name)
			return Result[T]{Value: v, Name: s.Name}, nil
		}
		failures = append(failures, s.Name+": not found")
	}
	if len(failures) == 0 {
		return Result[T]{}, fmt.Errorf("%s: %w", scope, ErrNoneFound)
	}
	return Result[T]{}, fmt.Errorf("%s: %w (%s)", scope, ErrNoneFound, strings.Join(failures, "; "))
}

// Check adapts a yes/no test into a Strategy with no value.
func Check(name string, test func(ctx context.Context) (bool, error)) Strategy[struct{}] {
	return Strategy[struct{}]{
		Name: name,
		Try: func(ctx context.Context) (struct{}, Outcome, error) {
			ok, err := test(ctx)
			if err != nil || !ok {
				return struct{}{}, NotFound, err
			}
			return struct{}{}, Found, nil
		},
	}
}
