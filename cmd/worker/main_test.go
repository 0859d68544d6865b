package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://mainnet.helius-rpc.com/?api-key=secret", "helius"},
		{"https://base-mainnet.g.alchemy.com/v2/secret", "alchemy"},
		{"https://example.quiknode.pro/secret/", "quiknode"},
		{"https://mainnet.base.org", "mainnet.base.org"},
		{"://bad", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, providerName(tt.url))
		})
	}
}
