package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethaccount/bundler/tracer"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

const (
	RuleBannedOpcodes  = "banned-opcodes"
	RuleCreate2        = "create2"
	RuleStorageAccess  = "storage-access"
	RuleEntryPointCall = "entrypoint-call"
	RuleFaults         = "faults"

	DefaultMempoolID = "default"
	// DepositToSelector is depositTo(address), the only entry point method a
	// validating entity may call.
	DepositToSelector = "0xb760faf9"
	// DefaultAssociatedSlots bounds the n in keccak(pad32(sender) . x) + n.
	DefaultAssociatedSlots = 128
)

var (
	ErrUnknownRule    = errors.New("unknown rule")
	ErrUnknownMempool = errors.New("unknown mempool id")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

var builtinRules = []string{RuleBannedOpcodes, RuleCreate2, RuleStorageAccess, RuleEntryPointCall, RuleFaults}

var defaultBannedOpcodes = []string{
	"GASPRICE", "GASLIMIT", "DIFFICULTY", "PREVRANDAO", "TIMESTAMP", "BASEFEE",
	"BLOCKHASH", "NUMBER", "SELFBALANCE", "BALANCE", "ORIGIN", "CREATE",
	"COINBASE", "SELFDESTRUCT", "INVALID", "BLOBHASH", "BLOBBASEFEE",
}

// Exception suppresses findings of one rule. Every non-empty field must
// match the frame the finding was raised in.
type Exception struct {
	Role     Role   `yaml:"role,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Depth    int    `yaml:"depth,omitempty"`
	Opcode   string `yaml:"opcode,omitempty"`
	Selector string `yaml:"selector,omitempty"`
}

// RuleConfig tunes a built-in rule. Unset fields keep the default.
type RuleConfig struct {
	Enabled          *bool       `yaml:"enabled,omitempty"`
	Fatal            *bool       `yaml:"fatal,omitempty"`
	Opcodes          []string    `yaml:"opcodes,omitempty"`
	AssociatedSlots  uint64      `yaml:"associatedSlots,omitempty"`
	AllowedSelectors []string    `yaml:"allowedSelectors,omitempty"`
	Exceptions       []Exception `yaml:"exceptions,omitempty"`
}

// ExpressionRule is a boolean expr program over the verdict. True means the
// rule is violated.
type ExpressionRule struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Fatal   bool   `yaml:"fatal"`
	Message string `yaml:"message,omitempty"`
}

type MempoolConfig struct {
	Rules       map[string]RuleConfig `yaml:"rules"`
	Expressions []ExpressionRule      `yaml:"expressions"`
}

// Config is the alt-mempool rule file, keyed by mempool id.
type Config struct {
	Mempools map[string]MempoolConfig `yaml:"mempools"`
}

func DefaultConfig() *Config {
	return &Config{Mempools: map[string]MempoolConfig{DefaultMempoolID: {}}}
}

// DefaultRules returns the built-in rule set, all enabled and fatal.
func DefaultRules() map[string]RuleConfig {
	return map[string]RuleConfig{
		RuleBannedOpcodes:  {Enabled: lo.ToPtr(true), Fatal: lo.ToPtr(true), Opcodes: defaultBannedOpcodes},
		RuleCreate2:        {Enabled: lo.ToPtr(true), Fatal: lo.ToPtr(true)},
		RuleStorageAccess:  {Enabled: lo.ToPtr(true), Fatal: lo.ToPtr(true), AssociatedSlots: DefaultAssociatedSlots},
		RuleEntryPointCall: {Enabled: lo.ToPtr(true), Fatal: lo.ToPtr(true), AllowedSelectors: []string{DepositToSelector, "0x"}},
		RuleFaults:         {Enabled: lo.ToPtr(true), Fatal: lo.ToPtr(true)},
	}
}

func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse mempool rules: %w", err)
	}
	for id, m := range c.Mempools {
		for name, rc := range m.Rules {
			if !lo.Contains(builtinRules, name) {
				return nil, fmt.Errorf("mempool %s: %w: %s", id, ErrUnknownRule, name)
			}
			if err := checkOpcodes(rc.Opcodes); err != nil {
				return nil, fmt.Errorf("mempool %s: rule %s: %w", id, name, err)
			}
		}
		for i, e := range m.Expressions {
			if e.Name == "" || strings.TrimSpace(e.When) == "" {
				return nil, fmt.Errorf("mempool %s: expression %d needs a name and a when clause", id, i)
			}
		}
	}
	if c.Mempools == nil {
		c.Mempools = map[string]MempoolConfig{}
	}
	return &c, nil
}

func checkOpcodes(names []string) error {
	for _, name := range names {
		if !tracer.Opcode(strings.ToUpper(name)).Known() {
			return fmt.Errorf("%w: %s", ErrUnknownOpcode, name)
		}
	}
	return nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mempool rules: %w", err)
	}
	return ParseConfig(data)
}

// Policy compiles the rules of one mempool on top of the defaults. The
// default mempool may be omitted from the file.
func (c *Config) Policy(mempoolID string) (*Policy, error) {
	if c == nil {
		c = DefaultConfig()
	}
	m, ok := c.Mempools[mempoolID]
	if !ok && mempoolID != DefaultMempoolID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMempool, mempoolID)
	}
	merged := DefaultRules()
	for name, override := range m.Rules {
		merged[name] = merge(merged[name], override)
	}
	return NewPolicy(mempoolID, merged, m.Expressions)
}

func merge(base, override RuleConfig) RuleConfig {
	if override.Enabled != nil {
		base.Enabled = override.Enabled
	}
	if override.Fatal != nil {
		base.Fatal = override.Fatal
	}
	if len(override.Opcodes) > 0 {
		base.Opcodes = override.Opcodes
	}
	if override.AssociatedSlots > 0 {
		base.AssociatedSlots = override.AssociatedSlots
	}
	if len(override.AllowedSelectors) > 0 {
		base.AllowedSelectors = override.AllowedSelectors
	}
	base.Exceptions = append(base.Exceptions, override.Exceptions...)
	return base
}
