package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jakubman1/exafs/internal/rule"
)

// findRules loads the rows selected by q into rules of type T.
func findRules[T any, PT interface {
	*T
	rule.Rule
}](q *gorm.DB) ([]rule.Rule, error) {
	var rows []T
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]rule.Rule, 0, len(rows))
	for i := range rows {
		out = append(out, PT(&rows[i]))
	}
	return out, nil
}

func (s *Store) findVariant(q *gorm.DB, v rule.Variant) ([]rule.Rule, error) {
	switch v {
	case rule.VariantIPv4:
		return findRules[rule.Flowspec4](q)
	case rule.VariantIPv6:
		return findRules[rule.Flowspec6](q)
	case rule.VariantRTBH:
		return findRules[rule.RTBH](q)
	}
	return nil, fmt.Errorf("unknown rule variant %d", int(v))
}

// ActiveRules returns every ACTIVE rule regardless of expiry, ipv4 rules
// first, then ipv6, then RTBH, each ordered by descending expiry.
func (s *Store) ActiveRules(ctx context.Context) ([]rule.Rule, error) {
	var out []rule.Rule
	for _, v := range rule.Variants {
		q := s.db.WithContext(ctx).
			Where("rstate_id = ?", rule.StateActive).
			Order("expires desc")
		rules, err := s.findVariant(q, v)
		if err != nil {
			return nil, fmt.Errorf("failed to list active %s rules: %w", v, err)
		}
		out = append(out, rules...)
	}
	return out, nil
}

// ActiveFlowspec returns the ACTIVE flowspec rules of both families.
func (s *Store) ActiveFlowspec(ctx context.Context) ([]rule.Flowspec, error) {
	var out []rule.Flowspec
	for _, v := range []rule.Variant{rule.VariantIPv4, rule.VariantIPv6} {
		q := s.db.WithContext(ctx).
			Where("rstate_id = ?", rule.StateActive).
			Order("expires desc")
		rules, err := s.findVariant(q, v)
		if err != nil {
			return nil, fmt.Errorf("failed to list active %s rules: %w", v, err)
		}
		for _, r := range rules {
			out = append(out, r.(rule.Flowspec))
		}
	}
	return out, nil
}

// ExpiredRules returns every ACTIVE rule whose expiry lies strictly before now.
func (s *Store) ExpiredRules(ctx context.Context, now time.Time) ([]rule.Rule, error) {
	var out []rule.Rule
	for _, v := range rule.Variants {
		q := s.db.WithContext(ctx).
			Where("rstate_id = ? AND expires < ?", rule.StateActive, now.UTC()).
			Order("expires desc")
		rules, err := s.findVariant(q, v)
		if err != nil {
			return nil, fmt.Errorf("failed to list expired %s rules: %w", v, err)
		}
		out = append(out, rules...)
	}
	return out, nil
}

// Rules returns every rule of a variant, newest expiry first.
func (s *Store) Rules(ctx context.Context, v rule.Variant) ([]rule.Rule, error) {
	return s.findVariant(s.db.WithContext(ctx).Order("expires desc"), v)
}

// Rule loads a single rule.
func (s *Store) Rule(ctx context.Context, v rule.Variant, id int64) (rule.Rule, error) {
	r, err := rule.New(v)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).First(r, id).Error; err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// UpsertRule inserts r unless a live rule with the same match criteria
// already exists, in which case only the existing row's expiry is updated.
// It returns the stored rule and whether a new row was inserted.
func (s *Store) UpsertRule(ctx context.Context, r rule.Rule) (rule.Rule, bool, error) {
	var (
		stored  rule.Rule
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := rule.New(r.Variant())
		if err != nil {
			return err
		}
		err = tx.Where(r.Match()).
			Where("rstate_id = ?", rule.StateActive).
			Order("id").
			First(existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			stored = r
			return tx.Create(r).Error
		}
		if err != nil {
			return err
		}

		existing.SetExpires(r.ExpiresAt())
		if err := tx.Model(existing).Update("expires", existing.ExpiresAt()).Error; err != nil {
			return err
		}
		stored = existing
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to save %s rule: %w", r.Variant(), err)
	}
	return stored, created, nil
}

// Reactivate sets the rule ACTIVE with a new expiry. ErrDuplicateRule is
// returned when another live rule already has the same match criteria and
// ErrStaleRow when the row vanished before the update.
func (s *Store) Reactivate(ctx context.Context, v rule.Variant, id int64, expires time.Time) (rule.Rule, error) {
	r, err := s.Rule(ctx, v, id)
	if err != nil {
		return nil, err
	}

	model, err := rule.New(v)
	if err != nil {
		return nil, err
	}
	if r.State() != rule.StateActive {
		var live int64
		err := s.db.WithContext(ctx).
			Model(model).
			Where(r.Match()).
			Where("rstate_id = ? AND id <> ?", rule.StateActive, id).
			Count(&live).Error
		if err != nil {
			return nil, fmt.Errorf("failed to check duplicates of %s rule %d: %w", v, id, err)
		}
		if live > 0 {
			return nil, ErrDuplicateRule
		}
	}

	res := s.db.WithContext(ctx).Model(r).Updates(map[string]any{
		"rstate_id": rule.StateActive,
		"expires":   expires.UTC(),
	})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to reactivate %s rule %d: %w", v, id, res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports unchanged rows as unaffected
		var n int64
		if err := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, ErrStaleRow
		}
	}
	r.SetState(rule.StateActive)
	r.SetExpires(expires)
	return r, nil
}

// MarkWithdrawn moves a rule that is ACTIVE and expired before the given
// instant to WITHDRAWN. ErrStaleRow is returned when the row is gone, no
// longer ACTIVE or was given a later expiry in the meantime.
func (s *Store) MarkWithdrawn(ctx context.Context, r rule.Rule, before time.Time) error {
	res := s.db.WithContext(ctx).
		Model(r).
		Where("rstate_id = ? AND expires < ?", rule.StateActive, before.UTC()).
		Update("rstate_id", rule.StateWithdrawn)
	if res.Error != nil {
		return fmt.Errorf("failed to withdraw %s rule %d: %w", r.Variant(), r.RuleID(), res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleRow
	}
	return nil
}

// DeleteRule removes the rule together with its extras row.
func (s *Store) DeleteRule(ctx context.Context, r rule.Rule) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if column, ok := extrasColumn(r.Variant()); ok {
			err := tx.Where(column+" = ?", r.RuleID()).Delete(&rule.DDPRuleExtras{}).Error
			if err != nil {
				return fmt.Errorf("failed to delete extras of %s rule %d: %w", r.Variant(), r.RuleID(), err)
			}
		}
		res := tx.Delete(r)
		if res.Error != nil {
			return fmt.Errorf("failed to delete %s rule %d: %w", r.Variant(), r.RuleID(), res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStaleRow
		}
		return nil
	})
}

// CountRules returns the number of rows of a variant.
func (s *Store) CountRules(ctx context.Context, v rule.Variant) (int64, error) {
	r, err := rule.New(v)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.WithContext(ctx).Model(r).Count(&n).Error
	return n, err
}
