//go:build linux

// Package mirror keeps an nftables chain on the local host in line with the
// active flowspec rules.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/nftables"

	"github.com/jakubman1/exafs/internal/metrics"
	"github.com/jakubman1/exafs/internal/route"
	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/rulebuilder"
	"github.com/jakubman1/exafs/internal/rulesum"
)

const (
	TableName = "exafs"
	ChainName = "flowspec"
)

type Source interface {
	ActiveFlowspec(ctx context.Context) ([]rule.Flowspec, error)
}

type Builder interface {
	Build(ctx context.Context, r rule.Rule, kind route.Kind) (route.Message, error)
}

type Mirror struct {
	source        Source
	builder       Builder
	enableCounter bool

	mu           sync.Mutex
	conn         *nftables.Conn
	table        *nftables.Table
	chain        *nftables.Chain
	lastChecksum [16]byte
}

// New creates the mirror table and chain.
func New(source Source, builder Builder, enableCounter bool) (*Mirror, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("nftables connection error: %w", err)
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   TableName,
	})
	chain := conn.AddChain(&nftables.Chain{
		Name:     ChainName,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	if enableCounter {
		addNamedCounters(conn, table)
	}
	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("failed to create nftables chain: %w", err)
	}

	return &Mirror{
		source:        source,
		builder:       builder,
		enableCounter: enableCounter,
		conn:          conn,
		table:         table,
		chain:         chain,
	}, nil
}

// Render turns the active flowspec rules into nftables rules. Rules the
// mirror cannot express are skipped.
func (m *Mirror) Render(ctx context.Context) ([]*nftables.Rule, error) {
	rules, err := m.source.ActiveFlowspec(ctx)
	if err != nil {
		return nil, err
	}

	var nftRules []*nftables.Rule
	for _, r := range rules {
		msg, err := m.builder.Build(ctx, r, route.Announce)
		if err != nil {
			slog.Warn("error building flowspec message",
				slog.String("variant", r.Variant().String()),
				slog.Int64("id", r.RuleID()),
				slog.String("error", err.Error()))
			continue
		}
		exprSets, err := rulebuilder.BuildRuleExpressions(r.MatchFields(), msg.Then, m.enableCounter)
		if errors.Is(err, rulebuilder.ErrUnsupported) {
			slog.Debug("not mirroring rule",
				slog.String("variant", r.Variant().String()),
				slog.Int64("id", r.RuleID()),
				slog.String("reason", err.Error()))
			continue
		}
		if err != nil {
			slog.Warn("error building rule expressions",
				slog.String("variant", r.Variant().String()),
				slog.Int64("id", r.RuleID()),
				slog.String("error", err.Error()))
			continue
		}
		for _, exprs := range exprSets {
			nftRules = append(nftRules, &nftables.Rule{
				Table: m.table,
				Chain: m.chain,
				Exprs: exprs,
			})
		}
	}
	return nftRules, nil
}

// Sync re-applies the chain when the rendered rule set changed since the last
// sync or the chain was modified behind our back.
func (m *Mirror) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nftRules, err := m.Render(ctx)
	if err != nil {
		return err
	}

	existingRules, err := m.conn.GetRules(m.table, m.chain)
	if err != nil {
		slog.Error("error getting existing rules", slog.String("error", err.Error()))
	}
	if len(existingRules) != len(nftRules) {
		slog.Info("number of rules in nftables chain does not match, reapplying all rules")
		m.lastChecksum = [16]byte{}
	}

	checksum, err := rulesum.CheckSum(nftRules)
	if err != nil {
		return err
	}
	if checksum == m.lastChecksum {
		slog.Debug("checksums match, skipping nftables update", slog.String("checksum", fmt.Sprintf("%x", checksum)))
		return nil
	}

	slog.Info("updating nftables", slog.String("checksum", fmt.Sprintf("%x", checksum)))
	m.conn.FlushChain(m.chain)
	for _, r := range nftRules {
		m.conn.AddRule(r)
	}
	start := time.Now()
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush nftables: %w", err)
	}
	m.lastChecksum = checksum
	metrics.FlowSpecRoutesTotal.Set(float64(len(nftRules)))
	metrics.NftablesFlushDurationSeconds.Observe(time.Since(start).Seconds())
	slog.Info("nftables updated", slog.String("duration", time.Since(start).String()))
	return nil
}

// Close removes the mirror table.
func (m *Mirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn.DelTable(m.table)
	return m.conn.Flush()
}
