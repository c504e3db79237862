// Package rulebuilder renders flowspec rules as nftables expressions.
package rulebuilder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/nftables/expr"

	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
)

// ErrUnsupported is returned for rules the local mirror cannot express.
var ErrUnsupported = errors.New("not supported by the nftables mirror")

const (
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
)

var protocols = map[string]byte{
	"icmp":   1,
	"igmp":   2,
	"tcp":    6,
	"udp":    17,
	"gre":    47,
	"esp":    50,
	"ah":     51,
	"icmpv6": 58,
	"sctp":   132,
}

// ProtocolNumber resolves a protocol name or number. "all" and "" match any
// protocol and resolve to 0.
func ProtocolNumber(name string) (byte, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "all" {
		return 0, nil
	}
	if n, ok := protocols[name]; ok {
		return n, nil
	}
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
	return byte(n), nil
}

type portRange struct {
	from, to uint16
}

// parsePorts parses an ExaBGP style port list: "80", "80-90", ">=1024",
// "<=1023" or several of those separated by ';'.
func parsePorts(list string) ([]portRange, error) {
	var out []portRange
	for _, item := range strings.FieldsFunc(list, func(r rune) bool { return r == ';' || r == ',' || r == ' ' }) {
		var (
			pr  portRange
			err error
		)
		switch {
		case strings.HasPrefix(item, ">="):
			pr.from, err = parsePort(item[2:])
			pr.to = 65535
		case strings.HasPrefix(item, "<="):
			pr.to, err = parsePort(item[2:])
		case strings.HasPrefix(item, ">"):
			pr.from, err = parsePort(item[1:])
			pr.from++
			pr.to = 65535
		case strings.HasPrefix(item, "<"):
			pr.to, err = parsePort(item[1:])
			pr.to--
		case strings.Contains(item, "-"):
			from, to, _ := strings.Cut(item, "-")
			if pr.from, err = parsePort(from); err == nil {
				pr.to, err = parsePort(to)
			}
		default:
			pr.from, err = parsePort(strings.TrimPrefix(item, "="))
			pr.to = pr.from
		}
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", item, err)
		}
		if pr.from > pr.to {
			return nil, fmt.Errorf("invalid port range %q", item)
		}
		out = append(out, pr)
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	return uint16(n), err
}

// BuildRuleExpressions renders the match criteria and action of one flowspec
// rule. A port list naming several values expands into one expression list
// per combination of source and destination port.
func BuildRuleExpressions(fields rule.FlowspecFields, then string, enableCounter bool) ([][]expr.Any, error) {
	if fields.Flags != "" {
		return nil, fmt.Errorf("tcp flags: %w", ErrUnsupported)
	}
	if fields.PacketLen != "" {
		return nil, fmt.Errorf("packet length: %w", ErrUnsupported)
	}

	verdict, err := verdictExpressions(then, enableCounter)
	if err != nil {
		return nil, err
	}

	var base []expr.Any
	nfproto := byte(nfprotoIPv4)
	if fields.MaxMask == rule.IPv6MaxMask {
		nfproto = nfprotoIPv6
	}
	base = append(base,
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Register: 1, Data: []byte{nfproto}, Op: expr.CmpOpEq},
	)

	for _, m := range []struct {
		addr     string
		mask     int
		isSource bool
	}{
		{fields.Source, fields.SourceMask, true},
		{fields.Destination, fields.DestinationMask, false},
	} {
		if m.addr == "" {
			continue
		}
		addr, err := netip.ParseAddr(m.addr)
		if err != nil {
			return nil, err
		}
		prefix, err := addr.Prefix(m.mask)
		if err != nil {
			return nil, err
		}
		base = append(base, prefixMatcher(prefix, m.isSource)...)
	}

	protocol, err := ProtocolNumber(fields.Protocol)
	if err != nil {
		return nil, err
	}
	if protocol != 0 {
		base = append(base,
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Register: 1, Data: []byte{protocol}, Op: expr.CmpOpEq},
		)
	}

	srcPorts, err := parsePorts(fields.SourcePort)
	if err != nil {
		return nil, err
	}
	dstPorts, err := parsePorts(fields.DestinationPort)
	if err != nil {
		return nil, err
	}
	if (len(srcPorts) > 0 || len(dstPorts) > 0) && protocol != 6 && protocol != 17 && protocol != 132 {
		return nil, fmt.Errorf("ports without tcp, udp or sctp: %w", ErrUnsupported)
	}

	var out [][]expr.Any
	for _, src := range optional(srcPorts) {
		for _, dst := range optional(dstPorts) {
			exprs := append([]expr.Any{}, base...)
			if src != nil {
				exprs = append(exprs, portMatcher(*src, true)...)
			}
			if dst != nil {
				exprs = append(exprs, portMatcher(*dst, false)...)
			}
			out = append(out, append(exprs, verdict...))
		}
	}
	return out, nil
}

// optional returns the ranges as pointers, or a single nil when there are none.
func optional(ranges []portRange) []*portRange {
	if len(ranges) == 0 {
		return []*portRange{nil}
	}
	out := make([]*portRange, len(ranges))
	for i := range ranges {
		out[i] = &ranges[i]
	}
	return out
}

func prefixMatcher(prefix netip.Prefix, isSource bool) []expr.Any {
	var offset, length uint32
	if prefix.Addr().Is4() {
		length = 4
		offset = 16 // destination address
		if isSource {
			offset = 12
		}
	} else {
		length = 16
		offset = 24
		if isSource {
			offset = 8
		}
	}

	return []expr.Any{
		&expr.Payload{
			OperationType: expr.PayloadLoad,
			DestRegister:  1,
			Base:          expr.PayloadBaseNetworkHeader,
			Offset:        offset,
			Len:           length,
		},
		&expr.Bitwise{
			DestRegister:   1,
			SourceRegister: 1,
			Len:            length,
			Mask:           net.CIDRMask(prefix.Bits(), int(length)*8),
			Xor:            make([]byte, length),
		},
		&expr.Cmp{
			Register: 1,
			Data:     prefix.Masked().Addr().AsSlice(),
			Op:       expr.CmpOpEq,
		},
	}
}

func portMatcher(pr portRange, isSource bool) []expr.Any {
	var offset uint32 = 2
	if isSource {
		offset = 0
	}
	load := &expr.Payload{
		OperationType: expr.PayloadLoad,
		DestRegister:  1,
		Base:          expr.PayloadBaseTransportHeader,
		Offset:        offset,
		Len:           2,
	}
	if pr.from == pr.to {
		return []expr.Any{load, &expr.Cmp{Register: 1, Data: be16(pr.from), Op: expr.CmpOpEq}}
	}
	return []expr.Any{load, &expr.Range{Op: expr.CmpOpEq, Register: 1, FromData: be16(pr.from), ToData: be16(pr.to)}}
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// Named counters referenced by rendered rules when counters are enabled. The
// mirror installs them in its table.
const (
	CounterMatched       = "flowspec_matched"
	CounterLimitExceeded = "flowspec_limit_exceeded"
	CounterDropped       = "flowspec_dropped"
)

// Counters lists every named counter a rendered rule may reference.
var Counters = []string{CounterMatched, CounterLimitExceeded, CounterDropped}

func counter(name string) expr.Any {
	return &expr.Objref{Type: 1, Name: name} // NFT_OBJECT_COUNTER
}

func verdictExpressions(then string, enableCounter bool) ([]expr.Any, error) {
	ext, err := route.ParseThen(then)
	if err != nil {
		return nil, err
	}

	var exprs []expr.Any
	if enableCounter {
		exprs = append(exprs, counter(CounterMatched))
	}
	switch ext.Type {
	case route.ActionTrafficRateBytes:
		if ext.Argument > 0 {
			exprs = append(exprs, &expr.Limit{
				Type:  expr.LimitTypePktBytes,
				Rate:  uint64(ext.Argument),
				Over:  true,
				Unit:  expr.LimitTimeSecond,
				Burst: 0,
			})
			if enableCounter {
				exprs = append(exprs, counter(CounterLimitExceeded))
			}
		}
		if enableCounter {
			exprs = append(exprs, counter(CounterDropped))
		}
		exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})
	default:
		return nil, fmt.Errorf("action %q: %w", then, ErrUnsupported)
	}
	return exprs, nil
}
