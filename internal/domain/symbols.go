package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Symbol is one tradable pair the service accepts subscriptions for.
type Symbol struct {
	Name        string `toml:"name"`
	CoinGeckoID string `toml:"coingecko_id"`
}

// SymbolCatalog is the immutable allow-list of symbols.
type SymbolCatalog struct {
	names     []string
	index     map[string]Symbol
	coingecko map[string]string // coingecko id -> symbol
}

// NormalizeSymbol upper-cases and trims a client supplied symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func NewSymbolCatalog(symbols []Symbol) (*SymbolCatalog, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("symbol catalog is empty")
	}

	c := &SymbolCatalog{
		index:     make(map[string]Symbol, len(symbols)),
		coingecko: make(map[string]string),
	}
	for _, s := range symbols {
		s.Name = NormalizeSymbol(s.Name)
		if s.Name == "" {
			return nil, fmt.Errorf("symbol catalog contains an empty name")
		}
		if _, dup := c.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate symbol %q in catalog", s.Name)
		}
		s.CoinGeckoID = strings.TrimSpace(s.CoinGeckoID)
		if s.CoinGeckoID != "" {
			if other, dup := c.coingecko[s.CoinGeckoID]; dup {
				return nil, fmt.Errorf("coingecko id %q used by %s and %s", s.CoinGeckoID, other, s.Name)
			}
			c.coingecko[s.CoinGeckoID] = s.Name
		}
		c.index[s.Name] = s
		c.names = append(c.names, s.Name)
	}
	return c, nil
}

// DefaultSymbolCatalog returns the built-in allow-list.
func DefaultSymbolCatalog() *SymbolCatalog {
	c, err := NewSymbolCatalog([]Symbol{
		{Name: "BTCUSDT", CoinGeckoID: "bitcoin"},
		{Name: "ETHUSDT", CoinGeckoID: "ethereum"},
		{Name: "ADAUSDT", CoinGeckoID: "cardano"},
		{Name: "DOTUSDT", CoinGeckoID: "polkadot"},
		{Name: "LINKUSDT", CoinGeckoID: "chainlink"},
		{Name: "BNBUSDT", CoinGeckoID: "binancecoin"},
		{Name: "XRPUSDT", CoinGeckoID: "ripple"},
		{Name: "LTCUSDT", CoinGeckoID: "litecoin"},
		{Name: "BCHUSDT"},
		{Name: "EOSUSDT"},
		{Name: "TRXUSDT"},
		{Name: "XLMUSDT"},
		{Name: "ATOMUSDT"},
		{Name: "VETUSDT"},
		{Name: "NEOUSDT"},
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Contains reports whether the normalized symbol is allow-listed.
func (c *SymbolCatalog) Contains(symbol string) bool {
	_, ok := c.index[NormalizeSymbol(symbol)]
	return ok
}

// Names returns the symbols in catalog order.
func (c *SymbolCatalog) Names() []string {
	return slices.Clone(c.names)
}

func (c *SymbolCatalog) Len() int {
	return len(c.names)
}

// CoinGeckoIDs returns id -> symbol for every symbol that has a CoinGecko id.
func (c *SymbolCatalog) CoinGeckoIDs() map[string]string {
	out := make(map[string]string, len(c.coingecko))
	for id, sym := range c.coingecko {
		out[id] = sym
	}
	return out
}
