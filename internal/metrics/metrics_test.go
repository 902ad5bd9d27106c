package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegistered(t *testing.T) {
	m := New()
	m.Postbacks.WithLabelValues("cpagrip", "completed").Inc()
	m.LedgerOps.WithLabelValues("credit", Result(nil)).Inc()
	m.LedgerOps.WithLabelValues("credit", Result(errors.New("x"))).Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Postbacks.WithLabelValues("cpagrip", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerOps.WithLabelValues("credit", "error")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["earn_postbacks_total"])
	assert.True(t, names["earn_ledger_operations_total"])
}
