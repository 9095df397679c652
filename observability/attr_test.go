package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestErrStatus(t *testing.T) {
	require.Equal(t, attribute.String("status", "ok"), ErrStatus(nil))
	require.Equal(t, attribute.String("status", "err"), ErrStatus(errors.New("boom")))
}

func TestNode(t *testing.T) {
	require.Equal(t, NodeIDKey.Int64(3), NodeID(3))

	cfg := metric.NewAddConfig([]metric.AddOption{Node(3, PhaseKey.String("prepared"))})
	set := cfg.Attributes()
	require.Equal(t, 2, set.Len())
	v, ok := set.Value(NodeIDKey)
	require.True(t, ok)
	require.EqualValues(t, 3, v.AsInt64())
	v, ok = set.Value(PhaseKey)
	require.True(t, ok)
	require.Equal(t, "prepared", v.AsString())
}
