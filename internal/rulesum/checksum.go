// Package rulesum fingerprints rendered nftables rule sets so unchanged sets
// are not re-applied.
package rulesum

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/nftables"
)

// CheckSum returns an MD5 digest over the expressions of rules, in order.
// Rule order matters to nftables and therefore to the digest.
func CheckSum(rules []*nftables.Rule) ([16]byte, error) {
	h := md5.New()
	var length [8]byte
	for i, rule := range rules {
		binary.BigEndian.PutUint64(length[:], uint64(len(rule.Exprs)))
		h.Write(length[:])
		for _, e := range rule.Exprs {
			data, err := json.Marshal(e)
			if err != nil {
				return [16]byte{}, fmt.Errorf("rule %d: %w", i, err)
			}
			fmt.Fprintf(h, "%T:%d:", e, len(data))
			h.Write(data)
		}
	}
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}
