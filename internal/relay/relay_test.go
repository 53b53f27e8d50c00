package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRawTransactionNoRelaysConfigured(t *testing.T) {
	f := New(nil, 0, nil)
	_, err := f.SendRawTransaction(context.Background(), []json.RawMessage{json.RawMessage(`"0x00"`)})
	assert.Error(t, err)
}

func TestConsolidateErrorsListsEveryRelay(t *testing.T) {
	err := consolidateErrors([]Outcome{
		{Relay: "flashbots", Success: false, Err: errors.New("timeout")},
		{Relay: "bloxroute", Success: false, Err: errors.New("rejected: nonce too low")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flashbots")
	assert.Contains(t, err.Error(), "bloxroute")
	assert.Contains(t, err.Error(), "nonce too low")
}

func TestExtractTxHashRejectsGarbage(t *testing.T) {
	_, err := extractTxHash([]json.RawMessage{json.RawMessage(`"0xnotarealtx"`)})
	assert.Error(t, err)
}

func TestExtractTxHashRequiresParams(t *testing.T) {
	_, err := extractTxHash(nil)
	assert.Error(t, err)
}
