package rule

import (
	"net/netip"
	"time"
)

const (
	IPv4MaxMask = 32
	IPv6MaxMask = 128
)

// FlowspecMatch holds the match columns shared by both flowspec families.
type FlowspecMatch struct {
	Source          string `gorm:"size:255" json:"source,omitempty"`
	SourceMask      int    `json:"source_mask,omitempty"`
	SourcePort      string `gorm:"size:255" json:"source_port,omitempty"`
	Destination     string `gorm:"size:255" json:"destination,omitempty"`
	DestinationMask int    `json:"destination_mask,omitempty"`
	DestinationPort string `gorm:"size:255" json:"destination_port,omitempty"`
	Flags           string `gorm:"size:255" json:"flags,omitempty"`
	PacketLen       string `gorm:"size:255" json:"packet_len,omitempty"`
}

type FlowspecMeta struct {
	ID       int64     `gorm:"primaryKey" json:"id"`
	Comment  string    `gorm:"type:text" json:"comment,omitempty"`
	Expires  time.Time `gorm:"index" json:"expires"`
	Created  time.Time `gorm:"autoCreateTime" json:"created"`
	ActionID int64     `json:"action_id"`
	UserID   int64     `json:"user_id"`
	RState   RState    `gorm:"column:rstate_id;index" json:"rstate_id"`
}

// Flowspec4 is an IPv4 flowspec filter.
type Flowspec4 struct {
	FlowspecMeta
	FlowspecMatch
	Protocol string `gorm:"size:255" json:"protocol,omitempty"`
}

func (*Flowspec4) TableName() string { return "flowspec4" }

func (r *Flowspec4) RuleID() int64          { return r.ID }
func (r *Flowspec4) Variant() Variant       { return VariantIPv4 }
func (r *Flowspec4) ExpiresAt() time.Time   { return r.Expires }
func (r *Flowspec4) State() RState          { return r.RState }
func (r *Flowspec4) OwnerID() int64         { return r.UserID }
func (r *Flowspec4) SetExpires(t time.Time) { r.Expires = t.UTC() }
func (r *Flowspec4) SetState(s RState)      { r.RState = s }
func (r *Flowspec4) SetOwner(userID int64)  { r.UserID = userID }
func (*Flowspec4) sealed()                  {}

func (r *Flowspec4) Match() map[string]any {
	m := r.FlowspecMatch.columns()
	m["protocol"] = r.Protocol
	return m
}

func (r *Flowspec4) Prefixes() []netip.Prefix {
	return r.FlowspecMatch.prefixes(IPv4MaxMask)
}

// Flowspec6 is an IPv6 flowspec filter.
type Flowspec6 struct {
	FlowspecMeta
	FlowspecMatch
	NextHeader string `gorm:"size:255" json:"next_header,omitempty"`
}

func (*Flowspec6) TableName() string { return "flowspec6" }

func (r *Flowspec6) RuleID() int64          { return r.ID }
func (r *Flowspec6) Variant() Variant       { return VariantIPv6 }
func (r *Flowspec6) ExpiresAt() time.Time   { return r.Expires }
func (r *Flowspec6) State() RState          { return r.RState }
func (r *Flowspec6) OwnerID() int64         { return r.UserID }
func (r *Flowspec6) SetExpires(t time.Time) { r.Expires = t.UTC() }
func (r *Flowspec6) SetState(s RState)      { r.RState = s }
func (r *Flowspec6) SetOwner(userID int64)  { r.UserID = userID }
func (*Flowspec6) sealed()                  {}

func (r *Flowspec6) Match() map[string]any {
	m := r.FlowspecMatch.columns()
	m["next_header"] = r.NextHeader
	return m
}

func (r *Flowspec6) Prefixes() []netip.Prefix {
	return r.FlowspecMatch.prefixes(IPv6MaxMask)
}

func (m FlowspecMatch) columns() map[string]any {
	return map[string]any{
		"source":           m.Source,
		"source_mask":      m.SourceMask,
		"source_port":      m.SourcePort,
		"destination":      m.Destination,
		"destination_mask": m.DestinationMask,
		"destination_port": m.DestinationPort,
		"flags":            m.Flags,
		"packet_len":       m.PacketLen,
	}
}

func (m FlowspecMatch) prefixes(maxMask int) []netip.Prefix {
	var out []netip.Prefix
	if p, ok := prefixOf(m.Source, m.SourceMask, maxMask); ok {
		out = append(out, p)
	}
	if p, ok := prefixOf(m.Destination, m.DestinationMask, maxMask); ok {
		out = append(out, p)
	}
	return out
}

// Flowspec is the read-only view of either flowspec family used by the
// message builder and the DDoS Protector mapping.
type Flowspec interface {
	Rule
	MatchFields() FlowspecFields
	Action() int64
}

// FlowspecFields is a flattened copy of a flowspec rule's match criteria.
type FlowspecFields struct {
	Source          string
	SourceMask      int
	SourcePort      string
	Destination     string
	DestinationMask int
	DestinationPort string
	Protocol        string
	Flags           string
	PacketLen       string
	MaxMask         int
}

func (r *Flowspec4) MatchFields() FlowspecFields {
	return r.FlowspecMatch.fields(r.Protocol, IPv4MaxMask)
}

func (r *Flowspec6) MatchFields() FlowspecFields {
	return r.FlowspecMatch.fields(r.NextHeader, IPv6MaxMask)
}

func (r *Flowspec4) Action() int64 { return r.ActionID }
func (r *Flowspec6) Action() int64 { return r.ActionID }

func (m FlowspecMatch) fields(protocol string, maxMask int) FlowspecFields {
	return FlowspecFields{
		Source:          m.Source,
		SourceMask:      SanitizeMask(m.SourceMask, maxMask),
		SourcePort:      m.SourcePort,
		Destination:     m.Destination,
		DestinationMask: SanitizeMask(m.DestinationMask, maxMask),
		DestinationPort: m.DestinationPort,
		Protocol:        protocol,
		Flags:           m.Flags,
		PacketLen:       m.PacketLen,
		MaxMask:         maxMask,
	}
}
