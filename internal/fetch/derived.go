package fetch

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/remesa-rates/internal/model"
)

// ErrNoReference is returned when a derived adapter runs outside a snapshot build
var ErrNoReference = errors.New("no reference rates in context")

// References exposes the selections of the snapshot build in progress.
// Await blocks until the category is resolved or ctx ends; nil means it failed.
type References interface {
	Await(ctx context.Context, c model.Category) *model.SelectedRate
}

type referencesKey struct{}

// WithReferences attaches the build's references to ctx
func WithReferences(ctx context.Context, refs References) context.Context {
	return context.WithValue(ctx, referencesKey{}, refs)
}

func referencesFrom(ctx context.Context) (References, bool) {
	refs, ok := ctx.Value(referencesKey{}).(References)
	return refs, ok && refs != nil
}

// NewDerivedAdapter estimates a rate as base * premium using the base category
// selected in the same build. It is never more than MEDIUM confidence.
func NewDerivedAdapter(name string, base model.Category, premium float64, source string, timeout time.Duration) Adapter {
	return &rateAdapter{
		name:       name,
		source:     source,
		confidence: model.ConfidenceMedium,
		timeout:    timeout,
		derived:    true,
		value: func(ctx context.Context) (float64, error) {
			refs, ok := referencesFrom(ctx)
			if !ok {
				return 0, ErrNoReference
			}
			ref := refs.Await(ctx, base)
			if ref == nil {
				if err := ctx.Err(); err != nil {
					return 0, err
				}
				return 0, ErrMissingRate
			}
			return model.Round(ref.Value*premium, 2), nil
		},
	}
}
