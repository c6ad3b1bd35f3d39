// Package policy evaluates the security policy applied to a transaction
// right before it is broadcast.
package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode controls how program and swap violations are handled. Approval
// blocking is enforced in every mode.
type Mode string

const (
	ModeOff   Mode = "off"
	ModeWarn  Mode = "warn"
	ModeBlock Mode = "block"
)

// Config is the injected policy. Identifiers are hex addresses compared
// case-insensitively.
type Config struct {
	Mode          Mode          `yaml:"mode" json:"mode"`
	Swap          SwapPolicy    `yaml:"swap" json:"swap"`
	Programs      ProgramPolicy `yaml:"program_policy" json:"program_policy"`
	AdminOverride AdminOverride `yaml:"admin_override" json:"admin_override"`
}

// SwapPolicy holds heuristics for records whose summary claims a swap.
type SwapPolicy struct {
	BlockNativeTransfer NativeTransferRule `yaml:"block_native_transfer" json:"block_native_transfer"`
}

// NativeTransferRule blocks plain value transfers hidden in a swap.
type NativeTransferRule struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxAmountWei 为十进制字符串，0 表示任何金额都拦截。
	MaxAmountWei string `yaml:"max_amount_wei" json:"max_amount_wei"`
}

// ProgramPolicy lists denied and allowed call targets.
type ProgramPolicy struct {
	Deny  []string `yaml:"deny" json:"deny"`
	Allow []string `yaml:"allow" json:"allow"`
}

// AdminOverride configures who may confirm records marked blocked.
type AdminOverride struct {
	BlockedConfirmAdmins  []string `yaml:"blocked_confirm_admins" json:"blocked_confirm_admins"`
	RequireFeePayerMatch  bool     `yaml:"require_fee_payer_match" json:"require_fee_payer_match"`
	RequireAuthorityMatch bool     `yaml:"require_authority_match" json:"require_authority_match"`
}

// Default returns the policy used when no file is configured.
func Default() Config {
	return Config{
		Mode: ModeBlock,
		Swap: SwapPolicy{BlockNativeTransfer: NativeTransferRule{Enabled: true, MaxAmountWei: "0"}},
		AdminOverride: AdminOverride{
			RequireFeePayerMatch:  true,
			RequireAuthorityMatch: true,
		},
	}
}

// Load reads a YAML (or JSON) policy file over the defaults. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("读取策略文件失败: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("解析策略文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and numeric fields.
func (c *Config) Validate() error {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	switch c.Mode {
	case "":
		c.Mode = ModeBlock
	case ModeOff, ModeWarn, ModeBlock:
	default:
		return fmt.Errorf("未知的策略模式 %q", c.Mode)
	}
	if _, ok := parseAmount(c.Swap.BlockNativeTransfer.MaxAmountWei); !ok {
		return fmt.Errorf("max_amount_wei 不是合法的十进制整数: %q", c.Swap.BlockNativeTransfer.MaxAmountWei)
	}
	return nil
}

func parseAmount(v string) (*big.Int, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return new(big.Int), true
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}
