// Package storetest opens throwaway stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jakubman1/exafs/internal/rule"
	"github.com/jakubman1/exafs/internal/store"
)

// New returns a store backed by a fresh sqlite file in the test's temp dir.
func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "exafs.db") + "?_busy_timeout=5000"
	s, err := store.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Seed stores the default discard action (id 1) and blackhole community (id 1).
func Seed(t testing.TB, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveAction(ctx, &rule.Action{Name: "Discard", Command: "discard"}))
	require.NoError(t, s.SaveCommunity(ctx, &rule.Community{Name: "Blackhole", Comm: "65535:666"}))
}
