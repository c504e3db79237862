//go:build linux

package mirror

import (
	"log/slog"
	"slices"

	"github.com/google/nftables"

	"github.com/jakubman1/exafs/internal/metrics"
	"github.com/jakubman1/exafs/internal/rulebuilder"
)

// addNamedCounters queues the counter objects referenced by rendered rules.
func addNamedCounters(conn *nftables.Conn, table *nftables.Table) {
	for _, c := range rulebuilder.Counters {
		conn.AddObject(&nftables.CounterObj{
			Name:  c,
			Table: table,
		})
	}
}

// CollectCounters publishes the named counters of the mirror table.
func (m *Mirror) CollectCounters() {
	if !m.enableCounter {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	objects, err := m.conn.GetObjects(m.table)
	if err != nil {
		slog.Error("failed to get named nftables objects", slog.String("error", err.Error()))
		return
	}
	for _, obj := range objects {
		counter, ok := obj.(*nftables.CounterObj)
		if !ok || !slices.Contains(rulebuilder.Counters, counter.Name) {
			continue
		}
		metrics.NftablesCounterPackets.WithLabelValues(counter.Name).Set(float64(counter.Packets))
		metrics.NftablesCounterBytes.WithLabelValues(counter.Name).Set(float64(counter.Bytes))
	}
}
