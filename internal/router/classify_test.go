package router

import "testing"

func TestClassify(t *testing.T) {
	c := NewClassifier(map[string]bool{"eth_gasPrice": true, "eth_getBlockByHash": false})

	cases := []struct {
		method string
		want   Class
	}{
		{"eth_sendRawTransaction", ClassWrite},
		{"eth_subscribe", ClassSubscribe},
		{"eth_unsubscribe", ClassUnsubscribe},
		{"eth_getBalance", ClassCacheableRead},
		{"eth_getTransactionByHash", ClassCacheableRead},
		{"eth_gasPrice", ClassCacheableRead},        // overridden deterministic
		{"eth_getBlockByHash", ClassNonCacheableRead}, // overridden non-deterministic
		{"eth_sendTransaction", ClassNonCacheableRead},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.method); got != tc.want {
			t.Errorf("Classify(%q) = %v, want %v", tc.method, got, tc.want)
		}
	}
}
