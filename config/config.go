package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
)

// Config is the daemon configuration. The asset table is the immutable
// supported-collateral registry handed to the engine at construction; it
// cannot change for a running instance.
type Config struct {
	ListenAddress  string  `toml:"ListenAddress"`
	MetricsAddress string  `toml:"MetricsAddress"`
	DataDir        string  `toml:"DataDir"`
	Custody        string  `toml:"Custody"`
	Assets         []Asset `toml:"asset"`
}

// Asset pairs a collateral token address with the price feed that values it.
type Asset struct {
	// Token is the hex address identifying the collateral asset.
	Token string `toml:"Token"`
	// PriceFeed is the path to the feed file an external updater maintains.
	PriceFeed string `toml:"PriceFeed"`
}

// Load reads the configuration from path, creating a commented default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8551"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./stablemint-data"
	}
}

// Validate rejects malformed addresses, duplicate tokens, and empty feed
// paths. An empty asset table is allowed: the engine starts with no approved
// collateral and every deposit fails closed.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Custody) != "" && !common.IsHexAddress(c.Custody) {
		return fmt.Errorf("config: custody %q is not a hex address", c.Custody)
	}
	seen := make(map[common.Address]struct{}, len(c.Assets))
	for i, asset := range c.Assets {
		if !common.IsHexAddress(asset.Token) {
			return fmt.Errorf("config: asset %d token %q is not a hex address", i, asset.Token)
		}
		token := common.HexToAddress(asset.Token)
		if _, dup := seen[token]; dup {
			return fmt.Errorf("config: asset %d token %s listed twice", i, asset.Token)
		}
		seen[token] = struct{}{}
		if strings.TrimSpace(asset.PriceFeed) == "" {
			return fmt.Errorf("config: asset %d has no price feed", i)
		}
	}
	return nil
}

// CustodyAddress returns the parsed custody account.
func (c *Config) CustodyAddress() common.Address {
	return common.HexToAddress(c.Custody)
}

// TokenAddresses returns the asset token addresses in registry order.
func (c *Config) TokenAddresses() []common.Address {
	tokens := make([]common.Address, 0, len(c.Assets))
	for _, asset := range c.Assets {
		tokens = append(tokens, common.HexToAddress(asset.Token))
	}
	return tokens
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Custody = common.Address{}.Hex()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, "# stablemint daemon configuration"); err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
