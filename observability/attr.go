package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/types"
)

const NodeIDKey attribute.Key = "service.node.name" // ECS convention
const PhaseKey attribute.Key = "phase"
const ResultKey attribute.Key = "result"

func NodeID(id types.NodeID) attribute.KeyValue {
	return NodeIDKey.Int64(int64(id)) /* #nosec G115 simulated networks are tiny */
}

func Round(round uint64) attribute.KeyValue {
	return attribute.Int64("round", int64(round)) /* #nosec G115 its unlikely that value of round exceeds int64 max value */
}

func Depth(depth uint64) attribute.KeyValue {
	return attribute.Int64("depth", int64(depth)) /* #nosec G115 */
}

/*
Node returns measurement option which attributes the measurement to the
node "id", "extra" attributes are added to the set.
*/
func Node(id types.NodeID, extra ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributeSet(attribute.NewSet(append(extra, NodeID(id))...))
}

/*
ErrStatus returns attribute named "status" with value "ok" if the param
err is nil and "err" when it is not.
*/
func ErrStatus(err error) attribute.KeyValue {
	status := "ok"
	if err != nil {
		status = "err"
	}
	return attribute.String("status", status)
}
