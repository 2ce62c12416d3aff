package registry

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"x402facilitator/internal/money"
)

// seedToken is tokens.yaml's on-disk shape; FeeBps/DiscountBps are plain
// ints there since YAML has no native basis-points type.
type seedToken struct {
	Address     string `yaml:"address"`
	Symbol      string `yaml:"symbol"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Decimals    int    `yaml:"decimals"`
	Network     string `yaml:"network"`
	FeeBps      int    `yaml:"feeBps"`
	FeeExempt   bool   `yaml:"feeExempt"`
	DiscountBps int    `yaml:"discountBps"`
}

type seedFile struct {
	Tokens []seedToken `yaml:"tokens"`
}

// LoadFile parses a tokens.yaml curated-token list, the format
// facilitatorctl writes to and cmd/facilitator reads from at startup.
func LoadFile(path string) ([]Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", path, err)
	}
	out := make([]Token, 0, len(f.Tokens))
	for _, t := range f.Tokens {
		out = append(out, Token{
			Address: t.Address, Symbol: t.Symbol, Name: t.Name, Version: t.Version,
			Decimals: t.Decimals, Network: t.Network,
			FeeBps: money.BasisPoints(t.FeeBps), FeeExempt: t.FeeExempt,
			DiscountBps: money.BasisPoints(t.DiscountBps),
		})
	}
	return out, nil
}

// SeedFrom loads tokens.yaml into r. A missing file is tolerated when
// optional is true, so a bare-bones deployment can run with an empty
// registry and rely entirely on facilitatorctl's runtime "tokens add".
func SeedFrom(r *Registry, path string, optional bool) error {
	tokens, err := LoadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, t := range tokens {
		r.Put(t)
	}
	return nil
}

// WriteFile renders the registry's current contents back to tokens.yaml,
// used by facilitatorctl's "tokens add" to persist a new entry.
func WriteFile(path string, tokens []Token) error {
	f := seedFile{Tokens: make([]seedToken, 0, len(tokens))}
	for _, t := range tokens {
		f.Tokens = append(f.Tokens, seedToken{
			Address: t.Address, Symbol: t.Symbol, Name: t.Name, Version: t.Version,
			Decimals: t.Decimals, Network: t.Network,
			FeeBps: int(t.FeeBps), FeeExempt: t.FeeExempt, DiscountBps: int(t.DiscountBps),
		})
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("registry: marshal tokens: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("registry: write %s: %w", path, err)
	}
	return nil
}
