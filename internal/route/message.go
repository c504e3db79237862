// Package route turns rules into announce and withdraw messages for the BGP
// speaker.
package route

import (
	"fmt"
	"strings"

	"github.com/jakubman1/exafs/internal/rule"
)

// Kind is the route operation a message carries.
type Kind int

const (
	Announce Kind = iota + 1
	Withdraw
)

func (k Kind) String() string {
	switch k {
	case Announce:
		return "announce"
	case Withdraw:
		return "withdraw"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Message is a protocol neutral description of one route change.
type Message struct {
	Kind    Kind
	Variant rule.Variant
	RuleID  int64

	// Match holds the rendered match clauses of a flowspec rule, or the
	// single destination prefix of an RTBH route.
	Match []string
	// Then is the resolved flowspec action command. Empty when a withdrawn
	// rule's action no longer resolves.
	Then string

	Action    *rule.Action
	Community *rule.Community
	NextHop   string
}

// Command renders the message as a speaker command line.
func (m Message) Command() string {
	if m.Variant == rule.VariantRTBH {
		return m.rtbhCommand()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s flow route { match { %s }", m.Kind, strings.Join(m.Match, " "))
	if m.Then != "" {
		fmt.Fprintf(&b, " then { %s; }", strings.TrimSuffix(m.Then, ";"))
	}
	b.WriteString(" }")
	return b.String()
}

func (m Message) rtbhCommand() string {
	parts := []string{m.Kind.String(), "route"}
	parts = append(parts, m.Match...)
	if m.NextHop != "" {
		parts = append(parts, "next-hop", m.NextHop)
	}
	if c := m.Community; c != nil {
		if v := communityList(c.Comm); v != "" {
			parts = append(parts, "community", v)
		}
		if v := communityList(c.LargeComm); v != "" {
			parts = append(parts, "large-community", v)
		}
		if v := communityList(c.ExtComm); v != "" {
			parts = append(parts, "extended-community", v)
		}
	}
	return strings.Join(parts, " ")
}

func (m Message) String() string { return m.Command() }

// communityList formats a comma or space separated community string as an
// ExaBGP list.
func communityList(s string) string {
	values := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	if len(values) == 0 {
		return ""
	}
	return "[" + strings.Join(values, " ") + "]"
}
