// Package pipeline implements the step dispatcher: resume, rewind,
// on-failure hooks, agent-step glue to the chat gateway, and the
// implement/iterate/review combinator.
package pipeline

import (
	"context"

	"github.com/basket/loomwork/internal/store"
)

// Record is the typed domain object a pipeline family advances through its
// steps. It wraps a generic store row with the two optional capability
// hooks agent_step and agent_review_loop look for: a custom i18n attribute
// projection, and an add_review callback.
type Record struct {
	row *store.Row

	// I18nAttributes, if set, overrides the default "every column verbatim"
	// projection used to interpolate agent_step prompts. Mirrors the
	// source's record.i18n_attributes() override.
	I18nAttributes func() map[string]any

	// AddReview, if set, is invoked once per agent_review_loop round with
	// the working diff and the round's feedback strings.
	AddReview func(ctx context.Context, tx *store.Tx, diff string, feedbacks []string) error
}

// WrapRecord adapts a store row into the Record shape a pipeline family
// operates on.
func WrapRecord(row *store.Row) *Record {
	return &Record{row: row}
}

func (r *Record) ID() int64     { return r.row.ID() }
func (r *Record) Row() *store.Row { return r.row }

// Attributes returns the map passed into i18n interpolation: the custom
// projection if the record declared one, otherwise every column verbatim.
func (r *Record) Attributes() map[string]any {
	if r.I18nAttributes != nil {
		return r.I18nAttributes()
	}
	return r.row.Values()
}

// Update persists attrs on the record's row inside tx, and refreshes the
// record's in-memory row so subsequent Attributes()/Row() calls in the
// same step body see the new values.
func (r *Record) Update(ctx context.Context, tx *store.Tx, attrs map[string]any) error {
	h, err := tx.Record(r.row.ClassName())
	if err != nil {
		return err
	}
	row, err := h.Update(ctx, r.row.ID(), attrs)
	if err != nil {
		return err
	}
	r.row = row
	return nil
}
