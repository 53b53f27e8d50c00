package subshub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rpcmesh/gateway/internal/gwerrors"
)

// JSONRPCAdapter exposes Hub through the eth_subscribe/eth_unsubscribe
// JSON-RPC surface (router.SubscribeHandler), translating wire params
// into Hub.Subscribe/Unsubscribe calls and back into the id strings the
// JSON-RPC subscription convention expects.
type JSONRPCAdapter struct {
	hub *Hub
}

func NewJSONRPCAdapter(hub *Hub) *JSONRPCAdapter {
	return &JSONRPCAdapter{hub: hub}
}

// SinkFor is implemented by the transport (ws frontend): it must be able
// to produce a ClientSink for a given client id before Subscribe is
// called, since the subscription id has to be returned to the client
// before any notification can be delivered.
type SinkFor interface {
	SinkFor(clientID string) ClientSink
}

func (a *JSONRPCAdapter) Subscribe(ctx context.Context, client string, params []json.RawMessage) (json.RawMessage, error) {
	sinkProvider, ok := ctx.Value(sinkProviderKey{}).(SinkFor)
	if !ok {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "subshub.Subscribe", "subscriptions not supported on this transport", fmt.Errorf("no sink provider in context"))
	}

	if len(params) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "subshub.Subscribe", "missing subscription kind", fmt.Errorf("empty params"))
	}
	var kind string
	if err := json.Unmarshal(params[0], &kind); err != nil {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "subshub.Subscribe", "subscription kind must be a string", err)
	}
	var filter string
	if len(params) > 1 {
		filter = string(params[1])
	}

	sink := sinkProvider.SinkFor(client)
	id, err := a.hub.Subscribe(ctx, client, kind, filter, sink)
	if err != nil {
		return nil, err
	}
	if settable, ok := sink.(interface{ SetID(string) }); ok {
		settable.SetID(id)
	}
	encoded, _ := json.Marshal(id)
	return encoded, nil
}

func (a *JSONRPCAdapter) Unsubscribe(ctx context.Context, client string, params []json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "subshub.Unsubscribe", "missing subscription id", fmt.Errorf("empty params"))
	}
	var id string
	if err := json.Unmarshal(params[0], &id); err != nil {
		return nil, gwerrors.New(gwerrors.InvalidRequest, "subshub.Unsubscribe", "subscription id must be a string", err)
	}
	if err := a.hub.Unsubscribe(id); err != nil {
		return json.RawMessage("false"), err
	}
	return json.RawMessage("true"), nil
}

type sinkProviderKey struct{}

// WithSinkProvider attaches a SinkFor to ctx so Subscribe can hand the
// caller's transport a ClientSink without Hub needing to know about
// websockets.
func WithSinkProvider(ctx context.Context, s SinkFor) context.Context {
	return context.WithValue(ctx, sinkProviderKey{}, s)
}
