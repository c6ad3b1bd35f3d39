package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/web3"
	"OpenMCP-Broadcast/internal/web3/ethereum"
)

// DialFunc opens the backend for one EVM network. Tests inject simulated
// backends through it.
type DialFunc func(ctx context.Context, name string, def web3.ChainDefinition) (ethereum.Backend, func(), error)

// Option customises the registry.
type Option func(*options)

type options struct {
	dial   DialFunc
	getenv func(string) string
}

// WithDialer overrides how EVM backends are opened.
func WithDialer(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithGetenv overrides how signer keys are looked up.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// Registry resolves configured networks to their collaborators.
type Registry struct {
	defaultNetwork string
	networks       map[string]*web3.Network
	closers        []func()
}

var _ web3.Resolver = (*Registry)(nil)

// NewRegistry instantiates collaborators for every chain definition.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultNetwork string, opts ...Option) (*Registry, error) {
	o := options{dial: dialEthereum, getenv: os.Getenv}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Registry{networks: make(map[string]*web3.Network)}
	for name, def := range defs.Chains {
		switch family := def.Family(); family {
		case web3.FamilyEVM:
			network, closer, err := buildEVM(ctx, name, def, o)
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			r.networks[name] = network
			if closer != nil {
				r.closers = append(r.closers, closer)
			}
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(r.networks) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultNetwork == "" {
		defaultNetwork = r.Networks()[0]
	}
	if _, ok := r.networks[defaultNetwork]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultNetwork)
	}
	r.defaultNetwork = defaultNetwork
	return r, nil
}

func buildEVM(ctx context.Context, name string, def web3.ChainDefinition, o options) (*web3.Network, func(), error) {
	var chainID *big.Int
	if def.ChainID != 0 {
		chainID = new(big.Int).SetUint64(def.ChainID)
	}

	signer := ethereum.NewSigner(nil, chainID)
	if env := strings.TrimSpace(def.SignerKeyEnv); env != "" {
		s, err := ethereum.SignerFromHex(o.getenv(env), chainID)
		if err != nil {
			return nil, nil, err
		}
		signer = s
	}

	backend, closer, err := o.dial(ctx, name, def)
	if err != nil {
		return nil, nil, err
	}
	return &web3.Network{
		Name:      name,
		Family:    web3.FamilyEVM,
		Protected: def.IsProtected(name),
		Decoder:   ethereum.NewDecoder(chainID),
		Signer:    signer,
		Submitter: ethereum.NewSubmitter(backend, chainID, def.RequiredConfirmations()),
	}, closer, nil
}

func dialEthereum(ctx context.Context, name string, def web3.ChainDefinition) (ethereum.Backend, func(), error) {
	client, err := ethereum.Dial(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, ChainID: def.ChainID})
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// Resolve implements web3.Resolver. An empty name resolves to the default
// network.
func (r *Registry) Resolve(name string) (*web3.Network, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的链注册表")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultNetwork
	}
	return web3.Networks(r.networks).Resolve(name)
}

// DefaultNetwork returns the network used when callers omit one.
func (r *Registry) DefaultNetwork() string {
	if r == nil {
		return ""
	}
	return r.defaultNetwork
}

// Networks returns the registered network names in sorted order.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backends managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, closer := range r.closers {
		closer()
	}
	r.closers = nil
}
