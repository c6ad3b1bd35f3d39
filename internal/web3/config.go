package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single network the pipeline may broadcast to.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// ChainID 为空时不校验节点返回的链 ID。
	ChainID uint64 `yaml:"chain_id"`
	// Protected 显式声明网络是否需要确认令牌；未设置时按名称判断是否为主网。
	Protected *bool `yaml:"protected"`
	// Confirmations 为 confirmed 承诺级别要求的区块确认数，默认 1。
	Confirmations uint64 `yaml:"confirmations"`
	// SignerKeyEnv 指向保存本地签名私钥（十六进制）的环境变量。
	SignerKeyEnv string `yaml:"signer_key_env"`
	ExplorerURL  string `yaml:"explorer_url"`
}

// Family returns the normalised chain family, defaulting to evm.
func (d ChainDefinition) Family() string {
	family := strings.ToLower(strings.TrimSpace(d.Type))
	if family == "" {
		return FamilyEVM
	}
	return family
}

// RequiredConfirmations returns the confirmation depth with its default applied.
func (d ChainDefinition) RequiredConfirmations() uint64 {
	if d.Confirmations == 0 {
		return 1
	}
	return d.Confirmations
}

// IsProtected reports whether confirmations on the named network require a
// confirm token.
func (d ChainDefinition) IsProtected(name string) bool {
	if d.Protected != nil {
		return *d.Protected
	}
	return IsMainnetName(name)
}

// IsMainnetName applies the name based fallback used when a network does not
// declare protection explicitly.
func IsMainnetName(name string) bool {
	return strings.Contains(strings.ToLower(name), "mainnet")
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
