package metrics

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/rpcmesh/gateway/internal/relay"
)

// RelaySink adapts the package-level Prometheus vectors to relay.StatsSink
// so Fanout doesn't need to know metrics exist.
type RelaySink struct{}

func (RelaySink) RecordRelayFanout(_ common.Hash, outcomes []relay.Outcome) {
	for _, o := range outcomes {
		outcome := "failure"
		if o.Success {
			outcome = "success"
		}
		RelayFanoutOutcome.WithLabelValues(o.Relay, outcome).Inc()
	}
}
