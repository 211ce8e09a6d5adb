package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// DefaultConfirmations applies to networks that do not set their own threshold.
const DefaultConfirmations = 6

// AssetSpec describes one ledger asset.
type AssetSpec struct {
	Symbol   string        `yaml:"symbol"`
	Scale    int32         `yaml:"scale"`
	Networks []NetworkSpec `yaml:"networks"`
}

// NetworkSpec is a chain an asset can be deposited or withdrawn on.
type NetworkSpec struct {
	Name          string `yaml:"name"`
	Confirmations int    `yaml:"confirmations"`
	// Contract is the token contract for assets that are not native to the
	// network, e.g. an ERC-20 address.
	Contract string `yaml:"contract,omitempty"`
}

// Registry is the set of assets the ledger knows about, keyed by upper-case
// symbol.
type Registry struct {
	assets map[string]AssetSpec
	rates  map[string]decimal.Decimal
}

type registryFile struct {
	Assets []AssetSpec `yaml:"assets"`
	// Rates is an optional fixed swap rate table keyed "FROM/TO", in units
	// of TO per unit of FROM.
	Rates map[string]string `yaml:"rates,omitempty"`
}

const defaultRegistryYAML = `
assets:
  - symbol: BTC
    scale: 8
    networks:
      - name: bitcoin
        confirmations: 2
  - symbol: ETH
    scale: 9
    networks:
      - name: ethereum
        confirmations: 12
  - symbol: USDT
    scale: 6
    networks:
      - name: ethereum
        confirmations: 12
        contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7"
      - name: tron
        confirmations: 20
`

// LoadRegistry reads the asset registry from path, or the built-in default
// when path is empty.
func LoadRegistry(path string) (*Registry, error) {
	data := []byte(defaultRegistryYAML)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read assets file: %w", err)
		}
		data = b
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes a YAML asset registry.
func ParseRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse assets: %w", err)
	}
	r, err := NewRegistry(f.Assets...)
	if err != nil {
		return nil, err
	}
	if err := r.SetRates(f.Rates); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRates replaces the fixed swap rate table. Both sides of every pair
// must be registered assets and every rate must be positive.
func (r *Registry) SetRates(rates map[string]string) error {
	out := make(map[string]decimal.Decimal, len(rates))
	for pair, value := range rates {
		from, to, ok := strings.Cut(pair, "/")
		from, to = normalize(from), normalize(to)
		if !ok || from == "" || to == "" || from == to {
			return fmt.Errorf("rate %q: pair must be FROM/TO", pair)
		}
		if _, known := r.assets[from]; !known {
			return fmt.Errorf("rate %q: unknown asset %s", pair, from)
		}
		if _, known := r.assets[to]; !known {
			return fmt.Errorf("rate %q: unknown asset %s", pair, to)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil || !rate.IsPositive() {
			return fmt.Errorf("rate %q: %q is not a positive decimal", pair, value)
		}
		out[from+"/"+to] = rate
	}
	r.rates = out
	return nil
}

// Rates returns a copy of the fixed swap rate table.
func (r *Registry) Rates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.rates))
	for k, v := range r.rates {
		out[k] = v
	}
	return out
}

// NewRegistry builds a registry from specs, validating each.
func NewRegistry(specs ...AssetSpec) (*Registry, error) {
	r := &Registry{assets: make(map[string]AssetSpec, len(specs))}
	for _, spec := range specs {
		spec.Symbol = normalize(spec.Symbol)
		if spec.Symbol == "" {
			return nil, fmt.Errorf("asset symbol is required")
		}
		if spec.Scale < 0 || spec.Scale > 18 {
			return nil, fmt.Errorf("asset %s: scale %d out of range", spec.Symbol, spec.Scale)
		}
		if _, dup := r.assets[spec.Symbol]; dup {
			return nil, fmt.Errorf("asset %s declared twice", spec.Symbol)
		}
		for i := range spec.Networks {
			spec.Networks[i].Name = strings.ToLower(strings.TrimSpace(spec.Networks[i].Name))
			if spec.Networks[i].Name == "" {
				return nil, fmt.Errorf("asset %s: network name is required", spec.Symbol)
			}
			if spec.Networks[i].Confirmations < 0 {
				return nil, fmt.Errorf("asset %s/%s: negative confirmations", spec.Symbol, spec.Networks[i].Name)
			}
		}
		r.assets[spec.Symbol] = spec
	}
	return r, nil
}

// Asset returns the spec for symbol.
func (r *Registry) Asset(symbol string) (AssetSpec, bool) {
	spec, ok := r.assets[normalize(symbol)]
	return spec, ok
}

// Scale returns the number of fractional digits of symbol's minor unit.
func (r *Registry) Scale(symbol string) (int32, error) {
	spec, ok := r.Asset(symbol)
	if !ok {
		return 0, fmt.Errorf("unknown asset %q", symbol)
	}
	return spec.Scale, nil
}

// HasNetwork reports whether symbol can move on network.
func (r *Registry) HasNetwork(symbol, network string) bool {
	_, ok := r.network(symbol, network)
	return ok
}

// RequiredConfirmations is the deposit credit threshold for symbol on network.
func (r *Registry) RequiredConfirmations(symbol, network string) (int, error) {
	n, ok := r.network(symbol, network)
	if !ok {
		return 0, fmt.Errorf("asset %q is not supported on network %q", symbol, network)
	}
	if n.Confirmations == 0 {
		return DefaultConfirmations, nil
	}
	return n.Confirmations, nil
}

// Contract returns the token contract of symbol on network, empty for the
// network's native coin.
func (r *Registry) Contract(symbol, network string) string {
	n, _ := r.network(symbol, network)
	return n.Contract
}

// Symbols lists registered assets.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.assets))
	for s := range r.assets {
		out = append(out, s)
	}
	return out
}

func (r *Registry) network(symbol, network string) (NetworkSpec, bool) {
	spec, ok := r.Asset(symbol)
	if !ok {
		return NetworkSpec{}, false
	}
	network = NormalizeNetwork(network)
	for _, n := range spec.Networks {
		if n.Name == network {
			return n, true
		}
	}
	return NetworkSpec{}, false
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeNetwork is the canonical form of a network name.
func NormalizeNetwork(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}
