package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rpcmesh/gateway/internal/blockindex"
	"github.com/rpcmesh/gateway/internal/consensus"
)

// resolution is the outcome of resolving a request's block tag to a
// concrete hash, per spec.md §3's RequestFingerprint definition.
type resolution struct {
	paramIndex int
	hadTag     bool
	tag        string
	number     uint64
	hash       common.Hash
	resolved   bool
}

// resolveBlockTag inspects params[idx] (when the method has a block
// parameter) and resolves "latest"/"earliest"/a hex number/a block hash
// to a concrete (number, hash) pair using the BlockIndex and the current
// consensus snapshot. "pending" is never resolved (spec.md §4.4, and the
// Open Question in spec.md §9 resolved in favor of exclusion).
func resolveBlockTag(method string, params []json.RawMessage, idx *blockindex.Index, snap *consensus.Snapshot) resolution {
	paramIndex, ok := blockParamIndex[method]
	if !ok || paramIndex >= len(params) {
		return resolution{resolved: false}
	}

	var raw string
	if err := json.Unmarshal(params[paramIndex], &raw); err != nil {
		// Not a simple string tag (e.g. eth_call's block-object form, or
		// eth_getProof's trailing block param that might be an object);
		// leave unresolved rather than guess.
		return resolution{paramIndex: paramIndex, resolved: false}
	}

	res := resolution{paramIndex: paramIndex, hadTag: true, tag: raw}

	switch raw {
	case "pending":
		return res // never resolved
	case "earliest":
		res.number = 0
		if hashes := idx.ByNumber(0); len(hashes) > 0 {
			res.hash = hashes[0]
			res.resolved = true
		}
		return res
	case "latest", "":
		if h, ok := snap.HeadHash(); ok {
			res.number = snap.HeadBlock.Number()
			res.hash = h
			res.resolved = true
		}
		return res
	}

	if strings.HasPrefix(raw, "0x") && len(raw) == 66 {
		// Already a concrete 32-byte hash.
		res.hash = common.HexToHash(raw)
		if b, ok := idx.ByHash(res.hash); ok {
			res.number = b.Number()
		}
		res.resolved = true
		return res
	}

	num, err := parseHexOrDecimal(raw)
	if err != nil {
		return res
	}
	res.number = num
	for _, h := range idx.ByNumber(num) {
		res.hash = h
		res.resolved = true
		break
	}
	return res
}

func parseHexOrDecimal(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// rewriteParam returns a copy of params with the block-tag parameter
// replaced by its resolved block hash as a 0x-prefixed hex string. The
// router applies it only to methods whose block parameter accepts a hash.
func rewriteParam(params []json.RawMessage, idx int, hash common.Hash) ([]json.RawMessage, error) {
	if idx >= len(params) {
		return params, nil
	}
	out := append([]json.RawMessage(nil), params...)
	encoded, err := json.Marshal(fmt.Sprintf("0x%x", hash))
	if err != nil {
		return nil, err
	}
	out[idx] = encoded
	return out, nil
}
