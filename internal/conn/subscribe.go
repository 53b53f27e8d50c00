package conn

import (
	"context"
	"encoding/json"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/rpcmesh/gateway/internal/gwerrors"
)

// UpstreamEvent is one notification received on an upstream subscription,
// still encoded as raw JSON so the SubscriptionHub can re-wrap it for
// each attached client without a decode/re-encode round trip.
type UpstreamEvent struct {
	Result json.RawMessage
}

// UpstreamSubscription is a live eth_subscribe stream plus its cancel.
type UpstreamSubscription struct {
	Events <-chan UpstreamEvent
	sub    *gethrpc.ClientSubscription
}

func (s *UpstreamSubscription) Unsubscribe() { s.sub.Unsubscribe() }
func (s *UpstreamSubscription) Err() <-chan error { return s.sub.Err() }

// Subscribe opens an eth_subscribe stream of the given kind (and extra
// params, e.g. a log filter) on this connection. Only valid on WS
// transports.
func (c *Connection) Subscribe(ctx context.Context, kind string, params ...json.RawMessage) (*UpstreamSubscription, error) {
	if c.cfg.Kind != KindWS {
		return nil, gwerrors.New(gwerrors.Internal, "conn.Subscribe", "subscribe on non-WS transport", fmt.Errorf("kind=%v", c.cfg.Kind)).WithConn(c.cfg.Name)
	}
	client := c.rpcClient()
	if client == nil {
		return nil, gwerrors.New(gwerrors.UpstreamTransport, "conn.Subscribe", "not connected", fmt.Errorf("no client")).WithConn(c.cfg.Name)
	}

	ch := make(chan json.RawMessage, 256)
	args := make([]interface{}, 0, len(params)+1)
	args = append(args, kind)
	for _, p := range params {
		args = append(args, p)
	}
	sub, err := client.EthSubscribe(ctx, ch, args...)
	if err != nil {
		return nil, gwerrors.New(gwerrors.UpstreamTransport, "conn.Subscribe", "eth_subscribe failed", err).WithConn(c.cfg.Name)
	}

	out := make(chan UpstreamEvent, 256)
	go func() {
		defer close(out)
		for msg := range ch {
			out <- UpstreamEvent{Result: msg}
		}
	}()

	return &UpstreamSubscription{Events: out, sub: sub}, nil
}
