// Package platform provides the network primitives the rats core is built
// on: name resolution, address validation, local interface enumeration, and
// socket creation with configurable timeouts.
//
// The core consumes the Network interface; SystemNetwork is the production
// implementation backed by the operating system resolver and socket layer.
// Tests substitute their own implementation.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrResolutionFailed indicates a name lookup returned no usable addresses.
var ErrResolutionFailed = errors.New("name resolution returned no results")

// Endpoint is a textual IPv4 or IPv6 address paired with a port.
type Endpoint struct {
	Addr string `json:"addr"`
	Port uint16 `json:"port"`
}

// String returns the endpoint in host:port form, bracketing IPv6 literals.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Addr, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint splits a host:port string into an Endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("invalid port in endpoint %q", s)
	}
	return Endpoint{Addr: host, Port: uint16(port)}, nil
}

// Network abstracts the platform socket and resolver facilities used by the
// peer client and DHT node.
type Network interface {
	// ResolveV4 returns the IPv4 addresses for host.
	ResolveV4(ctx context.Context, host string) ([]net.IP, error)
	// ResolveV6 returns the IPv6 addresses for host.
	ResolveV6(ctx context.Context, host string) ([]net.IP, error)
	// ResolveDual returns all addresses for host, IPv6 first.
	ResolveDual(ctx context.Context, host string) ([]net.IP, error)

	// LocalAddresses lists the IPv4 and IPv6 addresses of every
	// non-loopback interface that is up.
	LocalAddresses() ([]net.IP, error)

	// DialTCP connects to the endpoint within the given timeout.
	DialTCP(ep Endpoint, timeout time.Duration) (net.Conn, error)
	// ListenTCP binds a TCP listener on the given network ("tcp",
	// "tcp4" or "tcp6") and wildcard port.
	ListenTCP(network string, port uint16) (net.Listener, error)
	// ListenUDP binds a UDP socket on the wildcard address.
	ListenUDP(port uint16) (net.PacketConn, error)
}

// SystemNetwork implements Network using the operating system facilities.
type SystemNetwork struct {
	resolver *net.Resolver
}

// NewSystemNetwork creates a Network backed by the default system resolver.
func NewSystemNetwork() *SystemNetwork {
	return &SystemNetwork{resolver: net.DefaultResolver}
}

// ResolveV4 returns the IPv4 addresses for host.
func (sn *SystemNetwork) ResolveV4(ctx context.Context, host string) ([]net.IP, error) {
	return sn.resolve(ctx, "ip4", host)
}

// ResolveV6 returns the IPv6 addresses for host.
func (sn *SystemNetwork) ResolveV6(ctx context.Context, host string) ([]net.IP, error) {
	return sn.resolve(ctx, "ip6", host)
}

// ResolveDual returns every address for host with IPv6 results ordered
// before IPv4 results. Within each family the resolver's order is kept.
func (sn *SystemNetwork) ResolveDual(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := sn.resolve(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	var v6, v4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	return append(v6, v4...), nil
}

func (sn *SystemNetwork) resolve(ctx context.Context, network, host string) ([]net.IP, error) {
	// Literals short-circuit the resolver so connect paths behave the
	// same for names and addresses.
	if ip := net.ParseIP(host); ip != nil {
		if !familyMatches(network, ip) {
			return nil, fmt.Errorf("%w: %s has no %s address", ErrResolutionFailed, host, network)
		}
		return []net.IP{ip}, nil
	}

	addrs, err := sn.resolver.LookupIP(ctx, network, host)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "resolve",
			"host":     host,
			"network":  network,
			"error":    err.Error(),
		}).Debug("Name lookup failed")
		return nil, fmt.Errorf("%w: %s", ErrResolutionFailed, host)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrResolutionFailed, host)
	}
	return addrs, nil
}

func familyMatches(network string, ip net.IP) bool {
	switch network {
	case "ip4":
		return ip.To4() != nil
	case "ip6":
		return ip.To4() == nil
	default:
		return true
	}
}

// LocalAddresses lists the addresses of every non-loopback interface.
func (sn *SystemNetwork) LocalAddresses() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("interface enumeration failed: %w", err)
	}

	var result []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "LocalAddresses",
				"interface": iface.Name,
				"error":     err.Error(),
			}).Warn("Failed to list interface addresses")
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			result = append(result, ip)
		}
	}
	return result, nil
}

// DialTCP connects to the endpoint within the given timeout.
func (sn *SystemNetwork) DialTCP(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", ep.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ListenTCP binds a TCP listener on the wildcard address for the given
// network and port.
func (sn *SystemNetwork) ListenTCP(network string, port uint16) (net.Listener, error) {
	return net.Listen(network, ":"+strconv.Itoa(int(port)))
}

// ListenUDP binds a UDP socket on the wildcard address.
func (sn *SystemNetwork) ListenUDP(port uint16) (net.PacketConn, error) {
	return net.ListenPacket("udp", ":"+strconv.Itoa(int(port)))
}
