package rule

import (
	"net/netip"
	"time"
)

// RTBH is a remotely triggered black hole route for an IPv4 or IPv6 prefix.
type RTBH struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	IPv4        string    `gorm:"column:ipv4;size:255" json:"ipv4,omitempty"`
	IPv4Mask    int       `gorm:"column:ipv4_mask" json:"ipv4_mask,omitempty"`
	IPv6        string    `gorm:"column:ipv6;size:255" json:"ipv6,omitempty"`
	IPv6Mask    int       `gorm:"column:ipv6_mask" json:"ipv6_mask,omitempty"`
	CommunityID int64     `json:"community_id"`
	Comment     string    `gorm:"type:text" json:"comment,omitempty"`
	Expires     time.Time `gorm:"index" json:"expires"`
	Created     time.Time `gorm:"autoCreateTime" json:"created"`
	UserID      int64     `json:"user_id"`
	RState      RState    `gorm:"column:rstate_id;index" json:"rstate_id"`
}

func (*RTBH) TableName() string { return "RTBH" }

func (r *RTBH) RuleID() int64          { return r.ID }
func (r *RTBH) Variant() Variant       { return VariantRTBH }
func (r *RTBH) ExpiresAt() time.Time   { return r.Expires }
func (r *RTBH) State() RState          { return r.RState }
func (r *RTBH) OwnerID() int64         { return r.UserID }
func (r *RTBH) SetExpires(t time.Time) { r.Expires = t.UTC() }
func (r *RTBH) SetState(s RState)      { r.RState = s }
func (r *RTBH) SetOwner(userID int64)  { r.UserID = userID }
func (*RTBH) sealed()                  {}

func (r *RTBH) Match() map[string]any {
	return map[string]any{
		"ipv4":         r.IPv4,
		"ipv4_mask":    r.IPv4Mask,
		"ipv6":         r.IPv6,
		"ipv6_mask":    r.IPv6Mask,
		"community_id": r.CommunityID,
	}
}

func (r *RTBH) Prefixes() []netip.Prefix {
	var out []netip.Prefix
	if p, ok := prefixOf(r.IPv4, r.IPv4Mask, IPv4MaxMask); ok {
		out = append(out, p)
	}
	if p, ok := prefixOf(r.IPv6, r.IPv6Mask, IPv6MaxMask); ok {
		out = append(out, p)
	}
	return out
}
