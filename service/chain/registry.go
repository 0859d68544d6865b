package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	solanago "github.com/gagliardetto/solana-go"
)

// Family groups chains that share address and hash formats.
type Family string

const (
	FamilyEVM    Family = "evm"
	FamilySolana Family = "solana"
)

// Well-known chain ids.
const (
	Ethereum    int64 = 1
	Optimism    int64 = 10
	Polygon     int64 = 137
	Base        int64 = 8453
	Arbitrum    int64 = 42161
	Sepolia     int64 = 11155111
	BaseSepolia int64 = 84532
	// Solana has no EVM chain id; bridges address it with this conventional id.
	Solana int64 = 792703809
)

// Token describes a fungible token on a chain.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// Chain describes a supported network.
type Chain struct {
	ID             int64   `json:"id"`
	Name           string  `json:"name"`
	Family         Family  `json:"family"`
	NativeSymbol   string  `json:"native_symbol"`
	NativeDecimals int     `json:"native_decimals"`
	ExplorerURL    string  `json:"explorer_url"`
	Tokens         []Token `json:"tokens,omitempty"`
}

// ValidateAddress checks that addr is well-formed for the chain's family.
func (c *Chain) ValidateAddress(addr string) error {
	switch c.Family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("invalid %s address %q", c.Name, addr)
		}
	case FamilySolana:
		if _, err := solanago.PublicKeyFromBase58(addr); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", c.Name, addr, err)
		}
	default:
		return fmt.Errorf("unknown chain family %q", c.Family)
	}
	return nil
}

// ValidateTxHash checks that hash is a well-formed transaction identifier for the chain.
func (c *Chain) ValidateTxHash(hash string) error {
	switch c.Family {
	case FamilyEVM:
		if !isHexHash(hash) {
			return fmt.Errorf("invalid %s transaction hash %q", c.Name, hash)
		}
	case FamilySolana:
		if _, err := solanago.SignatureFromBase58(hash); err != nil {
			return fmt.Errorf("invalid %s transaction signature %q: %w", c.Name, hash, err)
		}
	default:
		return fmt.Errorf("unknown chain family %q", c.Family)
	}
	return nil
}

// Canonical returns the canonical spelling of an address or hash used for lookups and subjects.
// EVM hex identifiers are case-insensitive and are lowercased; Solana base58 is case-sensitive.
func (c *Chain) Canonical(addr string) string {
	if c.Family == FamilyEVM {
		return strings.ToLower(addr)
	}
	return addr
}

// TxURL returns the explorer link for a transaction on this chain.
func (c *Chain) TxURL(hash string) string {
	return strings.TrimRight(c.ExplorerURL, "/") + "/tx/" + hash
}

// Token looks up a token by address. EVM addresses compare case-insensitively.
func (c *Chain) Token(address string) (Token, bool) {
	for _, t := range c.Tokens {
		if t.Address == address || (c.Family == FamilyEVM && strings.EqualFold(t.Address, address)) {
			return t, true
		}
	}
	return Token{}, false
}

// DecimalsFor returns the decimals and symbol used to format balances of token.
// An empty token means the native asset. Unknown tokens return ok=false.
func (c *Chain) DecimalsFor(token string) (decimals int, symbol string, ok bool) {
	if token == "" {
		return c.NativeDecimals, c.NativeSymbol, true
	}
	t, ok := c.Token(token)
	if !ok {
		return 0, "", false
	}
	return t.Decimals, t.Symbol, true
}

// isHexHash reports whether s is a 0x-prefixed 32-byte hex string.
func isHexHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// Registry resolves chain ids to chain descriptions.
type Registry struct {
	chains map[int64]*Chain
}

// NewRegistry builds a registry from the given chains. Later duplicates replace earlier ones.
func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[int64]*Chain, len(chains))}
	for i := range chains {
		c := chains[i]
		r.chains[c.ID] = &c
	}
	return r
}

// ResolveChain returns the chain with the given id.
func (r *Registry) ResolveChain(chainID int64) (*Chain, bool) {
	c, ok := r.chains[chainID]
	return c, ok
}

// Chains returns all registered chains ordered by id.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultRegistry returns the chains supported out of the box, each with its USDC deployment.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Chain{
			ID: Ethereum, Name: "Ethereum", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://etherscan.io",
			Tokens: []Token{{Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Optimism, Name: "OP Mainnet", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://optimistic.etherscan.io",
			Tokens: []Token{{Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Polygon, Name: "Polygon", Family: FamilyEVM,
			NativeSymbol: "POL", NativeDecimals: 18, ExplorerURL: "https://polygonscan.com",
			Tokens: []Token{{Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Base, Name: "Base", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://basescan.org",
			Tokens: []Token{{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Arbitrum, Name: "Arbitrum One", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://arbiscan.io",
			Tokens: []Token{{Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Sepolia, Name: "Sepolia", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://sepolia.etherscan.io",
			Tokens: []Token{{Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: BaseSepolia, Name: "Base Sepolia", Family: FamilyEVM,
			NativeSymbol: "ETH", NativeDecimals: 18, ExplorerURL: "https://sepolia.basescan.org",
			Tokens: []Token{{Address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e", Symbol: "USDC", Decimals: 6}},
		},
		Chain{
			ID: Solana, Name: "Solana", Family: FamilySolana,
			NativeSymbol: "SOL", NativeDecimals: 9, ExplorerURL: "https://solscan.io",
			Tokens: []Token{{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Decimals: 6}},
		},
	)
}
