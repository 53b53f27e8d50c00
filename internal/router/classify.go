package router

// Class is the method classification from spec.md §4.5 step 1.
type Class int

const (
	ClassCacheableRead Class = iota
	ClassNonCacheableRead
	ClassWrite
	ClassSubscribe
	ClassUnsubscribe
)

const (
	methodSendRawTransaction = "eth_sendRawTransaction"
	methodSubscribe          = "eth_subscribe"
	methodUnsubscribe        = "eth_unsubscribe"
)

// blockParamIndex maps a read method to the index of its block-tag
// parameter, for the small set of methods the gateway knows how to
// resolve. Methods absent from this table get no tag resolution; they are
// cacheable only when listed in alwaysDeterministicByHash or forced by the
// configured deterministic-methods table.
var blockParamIndex = map[string]int{
	"eth_getBalance":               1,
	"eth_getCode":                  1,
	"eth_getTransactionCount":      1,
	"eth_getStorageAt":             2,
	"eth_call":                     1,
	"eth_getBlockByNumber":         0,
	"eth_getBlockTransactionCountByNumber": 0,
	"eth_getUncleCountByBlockNumber":       0,
	"eth_getProof":                 2,
}

// alwaysDeterministicByHash are read methods that take no block tag: either
// their first argument is already a concrete block/tx hash, or (eth_chainId,
// net_version) they take no arguments. Entries set to true are cacheable
// without tag resolution; entries set to false are not cacheable.
var alwaysDeterministicByHash = map[string]bool{
	"eth_getBlockByHash":                   true,
	"eth_getTransactionByHash":              true,
	"eth_getTransactionReceipt":             true,
	"eth_getBlockTransactionCountByHash":    true,
	"eth_getUncleCountByBlockHash":          true,
	"eth_chainId":                           true,
	"net_version":                           true,
	"eth_gasPrice":                          false,
}

// Classifier classifies methods using the externally-supplied
// deterministic-methods table from configuration (spec.md §4.4: "a
// method is deterministic ... non-deterministic methods listed in the
// configuration table").
type Classifier struct {
	deterministic map[string]bool
}

func NewClassifier(deterministicMethods map[string]bool) *Classifier {
	return &Classifier{deterministic: deterministicMethods}
}

func (c *Classifier) Classify(method string) Class {
	switch method {
	case methodSendRawTransaction:
		return ClassWrite
	case methodSubscribe:
		return ClassSubscribe
	case methodUnsubscribe:
		return ClassUnsubscribe
	}

	if det, ok := c.deterministic[method]; ok {
		if det {
			return ClassCacheableRead
		}
		return ClassNonCacheableRead
	}
	if alwaysDeterministicByHash[method] {
		return ClassCacheableRead
	}
	if _, ok := blockParamIndex[method]; ok {
		return ClassCacheableRead
	}
	return ClassNonCacheableRead
}
