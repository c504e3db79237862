package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jakubman1/exafs/internal/rule"
)

func extrasColumn(v rule.Variant) (string, bool) {
	switch v {
	case rule.VariantIPv4:
		return "flowspec4_id", true
	case rule.VariantIPv6:
		return "flowspec6_id", true
	}
	return "", false
}

// CreateDevice stores a new device with its URL normalized.
func (s *Store) CreateDevice(ctx context.Context, d *rule.DDPDevice) error {
	d.Normalize()
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to save device %q: %w", d.Name, err)
	}
	return nil
}

// UpdateDevice overwrites an existing device with its URL normalized.
func (s *Store) UpdateDevice(ctx context.Context, d *rule.DDPDevice) error {
	d.Normalize()
	res := s.db.WithContext(ctx).Model(d).Select("*").Updates(d)
	if res.Error != nil {
		return fmt.Errorf("failed to update device %d: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		// mysql reports unchanged rows as unaffected
		var n int64
		if err := s.db.WithContext(ctx).Model(&rule.DDPDevice{}).Where("id = ?", d.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// DeleteDevice removes the device and unbinds every extras row pointing at it.
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&rule.DDPRuleExtras{}).
			Where("device_id = ?", id).
			Updates(map[string]any{"device_id": nil, "ddp_rule_id": nil}).Error
		if err != nil {
			return err
		}
		return tx.Delete(&rule.DDPDevice{}, id).Error
	})
}

func (s *Store) Device(ctx context.Context, id int64) (*rule.DDPDevice, error) {
	var d rule.DDPDevice
	if err := s.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) Devices(ctx context.Context) ([]rule.DDPDevice, error) {
	var out []rule.DDPDevice
	err := s.db.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// ActiveDevices returns the active devices ordered by id.
func (s *Store) ActiveDevices(ctx context.Context) ([]rule.DDPDevice, error) {
	var out []rule.DDPDevice
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error
	return out, err
}

// DeviceLoad returns the number of bound extras rows per device id.
func (s *Store) DeviceLoad(ctx context.Context) (map[int64]int, error) {
	var rows []struct {
		DeviceID int64
		Rules    int
	}
	err := s.db.WithContext(ctx).
		Model(&rule.DDPRuleExtras{}).
		Select("device_id, count(*) as rules").
		Where("device_id IS NOT NULL AND ddp_rule_id IS NOT NULL").
		Group("device_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	load := make(map[int64]int, len(rows))
	for _, r := range rows {
		load[r.DeviceID] = r.Rules
	}
	return load, nil
}

func (s *Store) CreatePreset(ctx context.Context, p *rule.DDPRulePreset) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to save preset %q: %w", p.Name, err)
	}
	return nil
}

// UpdatePreset applies in to the stored preset, clearing fields absent from in.
func (s *Store) UpdatePreset(ctx context.Context, id int64, in rule.DDPRulePreset) (*rule.DDPRulePreset, error) {
	var p rule.DDPRulePreset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&p, id).Error; err != nil {
			return notFound(err)
		}
		p.Apply(in)
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Preset(ctx context.Context, id int64) (*rule.DDPRulePreset, error) {
	var p rule.DDPRulePreset
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) Presets(ctx context.Context) ([]rule.DDPRulePreset, error) {
	var out []rule.DDPRulePreset
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

func (s *Store) DeletePreset(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&rule.DDPRulePreset{}, id).Error
}

// Extras loads an extras row by id.
func (s *Store) Extras(ctx context.Context, id int64) (*rule.DDPRuleExtras, error) {
	var e rule.DDPRuleExtras
	if err := s.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// ExtrasForRule loads the extras row owned by a flowspec rule.
func (s *Store) ExtrasForRule(ctx context.Context, v rule.Variant, ruleID int64) (*rule.DDPRuleExtras, error) {
	column, ok := extrasColumn(v)
	if !ok {
		return nil, ErrNotFound
	}
	var e rule.DDPRuleExtras
	if err := s.db.WithContext(ctx).Where(column+" = ?", ruleID).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// EnsureExtras returns the extras row of a flowspec rule, creating an
// unbound one when missing.
func (s *Store) EnsureExtras(ctx context.Context, v rule.Variant, ruleID int64) (*rule.DDPRuleExtras, error) {
	column, ok := extrasColumn(v)
	if !ok {
		return nil, fmt.Errorf("%s rules have no DDoS Protector extras", v)
	}
	var e rule.DDPRuleExtras
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where(column+" = ?", ruleID).First(&e).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		id := ruleID
		e = rule.DDPRuleExtras{}
		if v == rule.VariantIPv4 {
			e.Flowspec4ID = &id
		} else {
			e.Flowspec6ID = &id
		}
		return tx.Create(&e).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load extras of %s rule %d: %w", v, ruleID, err)
	}
	return &e, nil
}

// BindExtras records the remote rule id and device of an extras row in a
// single update.
func (s *Store) BindExtras(ctx context.Context, id, deviceID, remoteID int64) error {
	return s.updateExtras(ctx, id, map[string]any{"device_id": deviceID, "ddp_rule_id": remoteID})
}

// SetExtrasPreset records the preset an extras row was last pushed with.
func (s *Store) SetExtrasPreset(ctx context.Context, id int64, presetID *int64) error {
	return s.updateExtras(ctx, id, map[string]any{"preset_id": presetID})
}

// ClearExtras unbinds an extras row from its device and remote rule.
func (s *Store) ClearExtras(ctx context.Context, id int64) error {
	return s.updateExtras(ctx, id, map[string]any{"device_id": nil, "ddp_rule_id": nil})
}

func (s *Store) updateExtras(ctx context.Context, id int64, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&rule.DDPRuleExtras{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update extras %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&rule.DDPRuleExtras{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleRow
		}
	}
	return nil
}
