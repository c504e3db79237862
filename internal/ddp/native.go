package ddp

import (
	"strconv"
	"strings"
	"time"

	"github.com/jakubman1/exafs/internal/rule"
)

// DefaultRuleType is used when no preset names a rule type.
const DefaultRuleType = "filter"

// NativeRule is the rule body accepted by a DDoS Protector.
type NativeRule struct {
	RuleType string `json:"rule_type"`

	SrcPrefix     string `json:"src_prefix,omitempty"`
	DstPrefix     string `json:"dst_prefix,omitempty"`
	SrcPort       string `json:"src_port,omitempty"`
	DstPort       string `json:"dst_port,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	TCPFlags      string `json:"tcp_flags,omitempty"`
	PacketLengths string `json:"packet_lengths,omitempty"`

	ThresholdBps     *int64 `json:"threshold_bps,omitempty"`
	ThresholdPps     *int64 `json:"threshold_pps,omitempty"`
	Vlan             *int64 `json:"vlan,omitempty"`
	ThresholdSynSoft *int64 `json:"threshold_syn_soft,omitempty"`
	ThresholdSynHard *int64 `json:"threshold_syn_hard,omitempty"`
	Fragmentation    string `json:"fragmentation,omitempty"`
	LimitBps         *int64 `json:"limit_bps,omitempty"`
	LimitPps         *int64 `json:"limit_pps,omitempty"`
	ValidityTimeout  string `json:"validity_timeout,omitempty"`
	AlgorithmType    string `json:"algorithm_type,omitempty"`
	TableExponent    *int64 `json:"table_exponent,omitempty"`

	Comment string `json:"comment,omitempty"`
}

// NativeRuleFromPreset returns a rule carrying only the preset's values.
func NativeRuleFromPreset(p *rule.DDPRulePreset) NativeRule {
	n := NativeRule{RuleType: DefaultRuleType}
	if p == nil {
		return n
	}
	str := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	if p.RuleType != nil && *p.RuleType != "" {
		n.RuleType = *p.RuleType
	}
	n.Protocol = str(p.Protocol)
	n.PacketLengths = str(p.PacketLengths)
	n.ThresholdBps = p.ThresholdBps
	n.ThresholdPps = p.ThresholdPps
	n.Vlan = p.Vlan
	n.ThresholdSynSoft = p.ThresholdSynSoft
	n.ThresholdSynHard = p.ThresholdSynHard
	n.Fragmentation = str(p.Fragmentation)
	n.LimitBps = p.LimitBps
	n.LimitPps = p.LimitPps
	n.ValidityTimeout = str(p.ValidityTimeout)
	n.AlgorithmType = str(p.AlgorithmType)
	n.TableExponent = p.TableExponent
	return n
}

// NativeRuleFromFlowspec maps a flowspec rule's match criteria onto the
// preset defaults. Without a preset validity timeout the remote rule lives
// until the flowspec rule expires.
func NativeRuleFromFlowspec(r rule.Flowspec, p *rule.DDPRulePreset, now time.Time) NativeRule {
	n := NativeRuleFromPreset(p)
	f := r.MatchFields()

	if f.Source != "" {
		n.SrcPrefix = prefix(f.Source, f.SourceMask)
	}
	if f.Destination != "" {
		n.DstPrefix = prefix(f.Destination, f.DestinationMask)
	}
	n.SrcPort = f.SourcePort
	n.DstPort = f.DestinationPort
	if protocol := strings.ToLower(f.Protocol); protocol != "" && protocol != "all" {
		n.Protocol = protocol
	}
	if f.Flags != "" {
		n.TCPFlags = strings.ToLower(f.Flags)
	}
	if f.PacketLen != "" {
		n.PacketLengths = f.PacketLen
	}
	if n.ValidityTimeout == "" {
		if ttl := r.ExpiresAt().Sub(now).Round(time.Second); ttl > 0 {
			n.ValidityTimeout = ttl.String()
		}
	}
	n.Comment = r.Variant().String() + " rule " + strconv.FormatInt(r.RuleID(), 10)
	return n
}

func prefix(addr string, mask int) string {
	return addr + "/" + strconv.Itoa(mask)
}
