package rule

import "strings"

// DDPDevice is a remote DDoS Protector appliance.
type DDPDevice struct {
	ID   int64  `gorm:"primaryKey" json:"id" yaml:"id"`
	Name string `gorm:"size:255" json:"name" yaml:"name"`
	URL  string `gorm:"size:1000" json:"url" yaml:"url"`
	Key  string `gorm:"size:1000" json:"key,omitempty" yaml:"key"`
	// KeyHeader is the HTTP header carrying Key.
	KeyHeader string `gorm:"size:255" json:"key_header" yaml:"key_header"`
	// RedirectCommand replaces the action of flowspec rules bound to the
	// device, steering matched traffic towards it.
	RedirectCommand string `gorm:"size:255" json:"redirect_command,omitempty" yaml:"redirect_command"`
	Active          bool   `json:"active" yaml:"active"`
}

func (*DDPDevice) TableName() string { return "ddp_device" }

// Normalize strips the trailing slash from URL.
func (d *DDPDevice) Normalize() {
	d.URL = strings.TrimRight(d.URL, "/")
}

// DDPRulePreset is a named template of DDoS Protector rule defaults. Every
// field except the name is optional.
type DDPRulePreset struct {
	ID   int64  `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:255" json:"name"`
	// Editable lists, comma separated, the fields a user may override.
	Editable string `gorm:"size:1000" json:"editable,omitempty"`

	RuleType         *string `gorm:"size:255" json:"rule_type,omitempty"`
	ThresholdBps     *int64  `json:"threshold_bps,omitempty"`
	ThresholdPps     *int64  `json:"threshold_pps,omitempty"`
	Vlan             *int64  `json:"vlan,omitempty"`
	Protocol         *string `gorm:"size:255" json:"protocol,omitempty"`
	ThresholdSynSoft *int64  `json:"threshold_syn_soft,omitempty"`
	ThresholdSynHard *int64  `json:"threshold_syn_hard,omitempty"`
	Fragmentation    *string `gorm:"size:255" json:"fragmentation,omitempty"`
	PacketLengths    *string `gorm:"size:255" json:"packet_lengths,omitempty"`
	LimitBps         *int64  `json:"limit_bps,omitempty"`
	LimitPps         *int64  `json:"limit_pps,omitempty"`
	ValidityTimeout  *string `gorm:"size:255" json:"validity_timeout,omitempty"`
	AlgorithmType    *string `gorm:"size:255" json:"algorithm_type,omitempty"`
	TableExponent    *int64  `json:"table_exponent,omitempty"`
}

func (*DDPRulePreset) TableName() string { return "ddp_rule_preset" }

// Apply overwrites every preset field with the one from in. Fields absent from
// in are cleared. The id is kept.
func (p *DDPRulePreset) Apply(in DDPRulePreset) {
	p.Name = in.Name
	p.Editable = in.Editable
	p.RuleType = in.RuleType
	p.ThresholdBps = in.ThresholdBps
	p.ThresholdPps = in.ThresholdPps
	p.Vlan = in.Vlan
	p.Protocol = in.Protocol
	p.ThresholdSynSoft = in.ThresholdSynSoft
	p.ThresholdSynHard = in.ThresholdSynHard
	p.Fragmentation = in.Fragmentation
	p.PacketLengths = in.PacketLengths
	p.LimitBps = in.LimitBps
	p.LimitPps = in.LimitPps
	p.ValidityTimeout = in.ValidityTimeout
	p.AlgorithmType = in.AlgorithmType
	p.TableExponent = in.TableExponent
}

// DDPRuleExtras binds a flowspec rule to its counterpart on a DDoS Protector.
// Exactly one of Flowspec4ID and Flowspec6ID is set. DeviceID and DDPRuleID
// are either both set or both nil.
type DDPRuleExtras struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	Flowspec4ID *int64 `gorm:"column:flowspec4_id;uniqueIndex" json:"flowspec4_id,omitempty"`
	Flowspec6ID *int64 `gorm:"column:flowspec6_id;uniqueIndex" json:"flowspec6_id,omitempty"`
	DeviceID    *int64 `json:"device_id,omitempty"`
	DDPRuleID   *int64 `gorm:"column:ddp_rule_id" json:"ddp_rule_id,omitempty"`
	PresetID    *int64 `json:"preset_id,omitempty"`
}

func (*DDPRuleExtras) TableName() string { return "ddp_rule_extras" }

// Bound reports whether the extras row points at a live remote rule.
func (e *DDPRuleExtras) Bound() bool {
	return e.DeviceID != nil && e.DDPRuleID != nil
}

// Owner returns the variant and id of the flowspec rule owning the row.
func (e *DDPRuleExtras) Owner() (Variant, int64) {
	if e.Flowspec4ID != nil {
		return VariantIPv4, *e.Flowspec4ID
	}
	if e.Flowspec6ID != nil {
		return VariantIPv6, *e.Flowspec6ID
	}
	return 0, 0
}
