package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jakubman1/exafs/internal/rule"
)

// Action returns the action with the given id, or nil when there is none.
func (s *Store) Action(ctx context.Context, id int64) (*rule.Action, error) {
	var a rule.Action
	err := s.db.WithContext(ctx).First(&a, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Community returns the community with the given id, or nil when there is none.
func (s *Store) Community(ctx context.Context, id int64) (*rule.Community, error) {
	var c rule.Community
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveAction inserts the action, or updates it when one with the same name exists.
func (s *Store) SaveAction(ctx context.Context, a *rule.Action) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"command", "description"}),
	}).Create(a).Error
	if err != nil {
		return fmt.Errorf("failed to save action %q: %w", a.Name, err)
	}
	return nil
}

// SaveCommunity inserts the community, or updates it when one with the same name exists.
func (s *Store) SaveCommunity(ctx context.Context, c *rule.Community) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"comm", "larcomm", "extcomm", "description"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("failed to save community %q: %w", c.Name, err)
	}
	return nil
}

func (s *Store) DeleteAction(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&rule.Action{}, id).Error
}

func (s *Store) DeleteCommunity(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&rule.Community{}, id).Error
}

// RedirectCommand returns the redirect command of the device a flowspec rule
// is bound to, or "" when the rule is not bound.
func (s *Store) RedirectCommand(ctx context.Context, v rule.Variant, ruleID int64) (string, error) {
	extras, err := s.ExtrasForRule(ctx, v, ruleID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !extras.Bound() {
		return "", nil
	}
	device, err := s.Device(ctx, *extras.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return device.RedirectCommand, nil
}
