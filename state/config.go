package state

import (
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/cilium/cilium/pkg/ip"
	"github.com/encodeous/weft/transport"
)

// PeerCfg is the mesh-wide description of one participant. Identity is the
// public key; the id is derived from it, never configured by hand.
type PeerCfg struct {
	Name       string         `yaml:",omitempty"` // display only
	PubKey     WfPublicKey    `yaml:"pubkey"`
	Endpoints  []string       `yaml:",omitempty"` // "kind://host:port"
	Prefixes   []netip.Prefix `yaml:",omitempty"` // virtual addresses owned by this peer
	AllowRelay bool           `yaml:"allow_relay,omitempty"`
}

func (p *PeerCfg) Id() PeerId {
	return DerivePeerId(p.PubKey)
}

// CentralCfg is the network-global configuration, identical on every node.
type CentralCfg struct {
	Peers     []PeerCfg
	Timestamp int64
}

// LocalCfg is node-level configuration, immutable for the process lifetime.
type LocalCfg struct {
	Key        WfPrivateKey
	Name       string   `yaml:",omitempty"`
	Port       uint16   `yaml:",omitempty"`
	BindAddr   string   `yaml:"bind_addr,omitempty"`
	Transports []string `yaml:",omitempty"` // enabled backend kinds, default tcp,udp,quic,ws
	AllowRelay bool     `yaml:"allow_relay,omitempty"`
	LogPath    string   `yaml:"log_path,omitempty"`
	// NAT traversal policy. Hole punching runs for datagram-capable kinds
	// unless disabled; relay tie-break is "lowest-cost" or "first-discovered".
	DisablePunch  bool   `yaml:"disable_punch,omitempty"`
	RelayTieBreak string `yaml:"relay_tie_break,omitempty"`
	DebugPort     uint16 `yaml:"debug_port,omitempty"` // local state dump for inspect
}

func (l *LocalCfg) Id() PeerId {
	return DerivePeerId(l.Key.Pubkey())
}

func (l *LocalCfg) EnabledKinds() ([]transport.Kind, error) {
	names := l.Transports
	if len(names) == 0 {
		names = []string{"tcp", "udp", "quic", "ws"}
	}
	kinds := make([]transport.Kind, 0, len(names))
	for _, n := range names {
		k, err := transport.ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// GetPeer looks a peer up by derived id.
func (c *CentralCfg) GetPeer(id PeerId) *PeerCfg {
	for i := range c.Peers {
		if c.Peers[i].Id() == id {
			return &c.Peers[i]
		}
	}
	return nil
}

// GetPrefixes returns all advertised prefixes, coalesced.
func (c *CentralCfg) GetPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0)
	for _, p := range c.Peers {
		prefixes = append(prefixes, p.Prefixes...)
	}
	return CoalescePrefix(prefixes)
}

// ParseEndpoint parses "kind://host:port" into a config-sourced candidate.
func ParseEndpoint(s string) (Candidate, error) {
	kind, addr, found := strings.Cut(s, "://")
	if !found {
		return Candidate{}, fmt.Errorf("endpoint %q must look like kind://host:port", s)
	}
	k, err := transport.ParseKind(kind)
	if err != nil {
		return Candidate{}, err
	}
	if k == transport.KindMem {
		return Candidate{Kind: k, Addr: addr, Source: SourceConfig}, nil
	}
	if _, err := netip.ParseAddrPort(addr); err != nil {
		if _, _, herr := net.SplitHostPort(addr); herr != nil {
			return Candidate{}, fmt.Errorf("endpoint %q: %w", s, err)
		}
	}
	return Candidate{Kind: k, Addr: addr, Source: SourceConfig}, nil
}

func CentralConfigValidator(c *CentralCfg) error {
	seenKeys := make(map[WfPublicKey]string)
	seenNames := make(map[string]struct{})
	for i := range c.Peers {
		p := &c.Peers[i]
		if p.PubKey == (WfPublicKey{}) {
			return fmt.Errorf("peer %q has an empty public key", p.Name)
		}
		if prev, ok := seenKeys[p.PubKey]; ok {
			return fmt.Errorf("peers %q and %q share a public key", prev, p.Name)
		}
		seenKeys[p.PubKey] = p.Name
		if p.Name != "" {
			if _, ok := seenNames[p.Name]; ok {
				return fmt.Errorf("duplicate peer name %q", p.Name)
			}
			seenNames[p.Name] = struct{}{}
		}
		for _, e := range p.Endpoints {
			if _, err := ParseEndpoint(e); err != nil {
				return fmt.Errorf("peer %q: %w", p.Name, err)
			}
		}
		for _, pre := range p.Prefixes {
			if !pre.IsValid() {
				return fmt.Errorf("peer %q has an invalid prefix", p.Name)
			}
		}
	}
	// a virtual address must resolve to exactly one owner
	for i := range c.Peers {
		for j := i + 1; j < len(c.Peers); j++ {
			for _, a := range c.Peers[i].Prefixes {
				for _, b := range c.Peers[j].Prefixes {
					if a.Overlaps(b) {
						return fmt.Errorf("prefix %s of %q overlaps %s of %q",
							a, c.Peers[i].Name, b, c.Peers[j].Name)
					}
				}
			}
		}
	}
	return nil
}

func NodeConfigValidator(l *LocalCfg) error {
	if l.Key == (WfPrivateKey{}) {
		return fmt.Errorf("node key is not set")
	}
	if _, err := l.EnabledKinds(); err != nil {
		return err
	}
	switch l.RelayTieBreak {
	case "", "lowest-cost", "first-discovered":
	default:
		return fmt.Errorf("relay_tie_break must be lowest-cost or first-discovered, got %q", l.RelayTieBreak)
	}
	return nil
}

func toIPNets(prefixes []netip.Prefix) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(prefixes))
	for _, p := range prefixes {
		if p.IsValid() {
			nets = append(nets, &net.IPNet{
				IP:   p.Addr().AsSlice(),
				Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
			})
		}
	}
	return nets
}

func fromIPNets(nets []*net.IPNet) []netip.Prefix {
	output := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		if addr, ok := netip.AddrFromSlice(n.IP); ok {
			ones, _ := n.Mask.Size()
			output = append(output, netip.PrefixFrom(addr.Unmap(), ones))
		}
	}
	return output
}

func CoalescePrefix(prefixes []netip.Prefix) []netip.Prefix {
	ipv4, ipv6 := ip.CoalesceCIDRs(toIPNets(prefixes))
	out := fromIPNets(append(ipv4, ipv6...))
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}
