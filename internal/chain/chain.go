// Package chain 负责加载链与代币的静态配置。
package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chain.yaml.
type Definitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
	Assets map[string]AssetDefinition `yaml:"assets"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// AssetDefinition describes a token contract eligible for vesting agreements.
type AssetDefinition struct {
	Chain       string `yaml:"chain"`
	Address     string `yaml:"address"`
	Decimals    int    `yaml:"decimals"`
	Description string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing chain and asset metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{
			Chains: map[string]ChainDefinition{},
			Assets: map[string]AssetDefinition{},
		}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	if defs.Assets == nil {
		defs.Assets = map[string]AssetDefinition{}
	}
	return defs, nil
}

// AssetRegistry 把资产定义物化成地址准入表。
type AssetRegistry struct {
	allowed map[common.Address]struct{}
}

// NewAssetRegistry 从定义构建注册表。
func NewAssetRegistry(defs Definitions) *AssetRegistry {
	allowed := make(map[common.Address]struct{}, len(defs.Assets))
	for _, asset := range defs.Assets {
		addr := strings.TrimSpace(asset.Address)
		if addr == "" {
			continue
		}
		allowed[common.HexToAddress(addr)] = struct{}{}
	}
	return &AssetRegistry{allowed: allowed}
}

// Empty 判断注册表是否为空。空表意味着不启用准入检查。
func (r *AssetRegistry) Empty() bool {
	return r == nil || len(r.allowed) == 0
}

// Allowed 判断代币是否允许建立协议。
func (r *AssetRegistry) Allowed(token common.Address) bool {
	if r == nil {
		return true
	}
	_, ok := r.allowed[token]
	return ok
}
