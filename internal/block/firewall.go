package block

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
)

// Firewall applies and removes host-level deny rules. Both operations must be
// idempotent: denying an already denied address or removing a missing rule
// is not an error.
type Firewall interface {
	Name() string
	Deny(ctx context.Context, addr netip.Addr) error
	RemoveDeny(ctx context.Context, addr netip.Addr) error
}

// NoopFirewall only logs. It is the default so that a fresh install never
// touches the host's rules.
type NoopFirewall struct {
	log *logrus.Logger
}

// NewNoopFirewall creates a dry-run firewall.
func NewNoopFirewall(log *logrus.Logger) *NoopFirewall {
	return &NoopFirewall{log: log}
}

func (f *NoopFirewall) Name() string { return "noop" }

func (f *NoopFirewall) Deny(_ context.Context, addr netip.Addr) error {
	f.log.WithField("address", addr.String()).Info("Dry run: would deny traffic")
	return nil
}

func (f *NoopFirewall) RemoveDeny(_ context.Context, addr netip.Addr) error {
	f.log.WithField("address", addr.String()).Info("Dry run: would remove deny rule")
	return nil
}

const ruleComment = "go2netguard"

// IPTablesFirewall installs DROP rules with iptables and ip6tables.
type IPTablesFirewall struct {
	chain string
	v4    *iptables.IPTables
	v6    *iptables.IPTables
	mu    sync.Mutex
}

// NewIPTablesFirewall prepares iptables handles for both address families.
func NewIPTablesFirewall(chain string) (*IPTablesFirewall, error) {
	if chain == "" {
		chain = "INPUT"
	}
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise iptables: %w", err)
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise ip6tables: %w", err)
	}
	return &IPTablesFirewall{chain: chain, v4: v4, v6: v6}, nil
}

func (f *IPTablesFirewall) Name() string { return "iptables" }

func (f *IPTablesFirewall) handle(addr netip.Addr) *iptables.IPTables {
	if addr.Unmap().Is4() {
		return f.v4
	}
	return f.v6
}

func ruleSpec(addr netip.Addr) []string {
	return []string{"-s", addr.Unmap().String(), "-m", "comment", "--comment", ruleComment, "-j", "DROP"}
}

func (f *IPTablesFirewall) Deny(_ context.Context, addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.handle(addr).AppendUnique("filter", f.chain, ruleSpec(addr)...); err != nil {
		return fmt.Errorf("iptables append: %w", err)
	}
	return nil
}

func (f *IPTablesFirewall) RemoveDeny(_ context.Context, addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.handle(addr).DeleteIfExists("filter", f.chain, ruleSpec(addr)...); err != nil {
		return fmt.Errorf("iptables delete: %w", err)
	}
	return nil
}

// NewFirewall builds the firewall named by kind.
func NewFirewall(kind, chain string, log *logrus.Logger) (Firewall, error) {
	switch kind {
	case "", "noop":
		return NewNoopFirewall(log), nil
	case "iptables":
		return NewIPTablesFirewall(chain)
	default:
		return nil, fmt.Errorf("unknown firewall type: '%s'", kind)
	}
}
