package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// See rfc 8955
// https://datatracker.ietf.org/doc/html/rfc8955#traffic_extended_communities
const (
	ActionTrafficRateBytes   = 0x8006
	ActionTrafficRatePackets = 0x800c
	ActionTrafficAction      = 0x8007
	ActionRedirect           = 0x8008
	ActionTrafficMarking     = 0x8009
)

// ExtCommunity is the traffic filtering extended community a flowspec "then"
// clause resolves to.
type ExtCommunity struct {
	Type     int64
	Argument int64
	// Target is the route target of a redirect, e.g. "65535:1001".
	Target string
}

// ParseThen resolves a flowspec action command to its extended community.
func ParseThen(command string) (ExtCommunity, error) {
	fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(command), ";"))
	if len(fields) == 0 {
		return ExtCommunity{}, errors.New("empty action command")
	}

	argument := func() (int64, error) {
		if len(fields) != 2 {
			return 0, fmt.Errorf("action %q expects one argument", fields[0])
		}
		arg, err := strconv.ParseInt(fields[1], 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s argument: %v", fields[0], err)
		}
		return arg, nil
	}

	switch fields[0] {
	case "discard":
		return ExtCommunity{Type: ActionTrafficRateBytes}, nil
	case "rate-limit":
		arg, err := argument()
		if err != nil {
			return ExtCommunity{}, err
		}
		return ExtCommunity{Type: ActionTrafficRateBytes, Argument: arg}, nil
	case "mark":
		arg, err := argument()
		if err != nil {
			return ExtCommunity{}, err
		}
		return ExtCommunity{Type: ActionTrafficMarking, Argument: arg}, nil
	case "redirect":
		if len(fields) != 2 {
			return ExtCommunity{}, errors.New("redirect expects a route target")
		}
		return ExtCommunity{Type: ActionRedirect, Target: fields[1]}, nil
	case "sample", "terminal":
		return ExtCommunity{Type: ActionTrafficAction}, nil
	}
	return ExtCommunity{}, fmt.Errorf("unsupported flowspec action %q", fields[0])
}
