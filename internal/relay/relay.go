// Package relay implements PrivateRelayFanout (spec.md §4.7): broadcast
// an eth_sendRawTransaction to every configured private relay, return the
// first success to the client, and keep waiting on the rest in the
// background for stats.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/conn"
	"github.com/rpcmesh/gateway/internal/gwerrors"
)

// Outcome records one relay's result, kept for stats regardless of
// whether it arrived before or after the client was already answered.
type Outcome struct {
	Relay    string
	Success  bool
	Err      error
	Duration time.Duration
}

// StatsSink receives every relay outcome once all relays have replied or
// timed out, even though the client may have already been unblocked by
// an earlier success.
type StatsSink interface {
	RecordRelayFanout(txHash common.Hash, outcomes []Outcome)
}

type Fanout struct {
	relays     []*conn.Connection
	perRelayTO time.Duration
	sink       StatsSink
	log        log.Logger
}

func New(relays []*conn.Connection, perRelayTimeout time.Duration, sink StatsSink) *Fanout {
	if perRelayTimeout == 0 {
		perRelayTimeout = 5 * time.Second
	}
	return &Fanout{relays: relays, perRelayTO: perRelayTimeout, sink: sink, log: log.New("component", "relay")}
}

// SendRawTransaction dispatches params (expected to be a single signed-tx
// hex string) to every relay concurrently, returning the first successful
// result. If every relay fails, it returns a consolidated error listing
// per-relay outcomes.
func (f *Fanout) SendRawTransaction(ctx context.Context, params []json.RawMessage) (json.RawMessage, error) {
	if len(f.relays) == 0 {
		return nil, gwerrors.New(gwerrors.NoBackendsAvailable, "relay.SendRawTransaction", "no private relays configured", fmt.Errorf("empty relay set"))
	}

	txHash, err := extractTxHash(params)
	if err != nil {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "relay.SendRawTransaction", "could not parse transaction", err)
	}

	type result struct {
		outcome Outcome
		raw     json.RawMessage
	}

	results := make(chan result, len(f.relays))
	var wg sync.WaitGroup
	for _, r := range f.relays {
		wg.Add(1)
		go func(r *conn.Connection) {
			defer wg.Done()
			start := time.Now()
			raw, err := r.Request(ctx, "eth_sendRawTransaction", params, f.perRelayTO)
			results <- result{
				outcome: Outcome{Relay: r.Name(), Success: err == nil, Err: err, Duration: time.Since(start)},
				raw:     raw,
			}
		}(r)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// firstSuccess fires exactly once, as soon as any relay succeeds;
	// allOutcomes fires once every relay has replied, carrying the full
	// set for stats. Both are fed by the single collector goroutine below
	// so SendRawTransaction can return on whichever comes first without
	// stopping the collector itself.
	firstSuccess := make(chan json.RawMessage, 1)
	allOutcomes := make(chan []Outcome, 1)

	go func() {
		outcomes := make([]Outcome, 0, len(f.relays))
		reported := false
		for res := range results {
			outcomes = append(outcomes, res.outcome)
			if !reported && res.outcome.Success {
				reported = true
				firstSuccess <- res.raw
			}
		}
		allOutcomes <- outcomes
		if f.sink != nil {
			f.sink.RecordRelayFanout(txHash, outcomes)
		}
	}()

	select {
	case raw := <-firstSuccess:
		return raw, nil
	case outcomes := <-allOutcomes:
		return nil, consolidateErrors(outcomes)
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.UpstreamTimeout, "relay.SendRawTransaction", "context done before any relay succeeded", ctx.Err())
	}
}

func consolidateErrors(outcomes []Outcome) error {
	var sb strings.Builder
	sb.WriteString("all private relays failed: ")
	for i, o := range outcomes {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", o.Relay, o.Err)
	}
	return gwerrors.New(gwerrors.NoBackendsAvailable, "relay.SendRawTransaction", sb.String(), fmt.Errorf("%d relays failed", len(outcomes)))
}

func extractTxHash(params []json.RawMessage) (common.Hash, error) {
	if len(params) == 0 {
		return common.Hash{}, fmt.Errorf("missing raw transaction parameter")
	}
	var raw string
	if err := json.Unmarshal(params[0], &raw); err != nil {
		return common.Hash{}, err
	}
	var tx gethtypes.Transaction
	data := common.FromHex(raw)
	if err := tx.UnmarshalBinary(data); err != nil {
		return common.Hash{}, fmt.Errorf("decode raw transaction: %w", err)
	}
	return tx.Hash(), nil
}
