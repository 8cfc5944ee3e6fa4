// Package bans provides ban checkers that do not need a database: a static
// list loaded from YAML and a combinator that consults several checkers.
package bans

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Checker reports whether a remote address is banned. It matches
// delivery.BanChecker.
type Checker interface {
	IsBanned(ctx context.Context, addr string) (bool, error)
}

// File is the on-disk ban list format.
type File struct {
	// Addresses are banned exactly.
	Addresses []string `yaml:"addresses"`
	// Networks are CIDR prefixes whose every address is banned.
	Networks []string `yaml:"networks"`
}

// Static is an immutable in-memory ban list.
type Static struct {
	addrs    map[netip.Addr]bool
	raw      map[string]bool
	networks []netip.Prefix
}

// NewStatic builds a Static list from f.
//
// Postcondition: Returns an error naming the first network that is not a
// valid CIDR prefix. Addresses that do not parse as IPs are matched as
// plain strings.
func NewStatic(f File) (*Static, error) {
	s := &Static{
		addrs: make(map[netip.Addr]bool, len(f.Addresses)),
		raw:   make(map[string]bool),
	}
	for _, a := range f.Addresses {
		if ip, err := netip.ParseAddr(a); err == nil {
			s.addrs[ip.Unmap()] = true
			continue
		}
		s.raw[a] = true
	}
	for _, n := range f.Networks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return nil, fmt.Errorf("parsing banned network %q: %w", n, err)
		}
		s.networks = append(s.networks, p.Masked())
	}
	return s, nil
}

// LoadFile reads a YAML ban list from path.
//
// Precondition: path must name a readable YAML file.
// Postcondition: Returns a Static list or a non-nil error.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ban list: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing ban list %s: %w", path, err)
	}
	return NewStatic(f)
}

// IsBanned never fails.
func (s *Static) IsBanned(_ context.Context, addr string) (bool, error) {
	if s.raw[addr] {
		return true, nil
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false, nil
	}
	ip = ip.Unmap()
	if s.addrs[ip] {
		return true, nil
	}
	for _, p := range s.networks {
		if p.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of exact addresses and networks in the list.
func (s *Static) Len() int {
	return len(s.addrs) + len(s.raw) + len(s.networks)
}

// Chain consults each checker in order and reports banned as soon as one
// does. Lookup errors are collected; a later checker may still report a ban.
type Chain []Checker

// IsBanned returns true if any checker bans addr. The error joins every
// lookup failure and is only returned when no checker reported a ban.
func (c Chain) IsBanned(ctx context.Context, addr string) (bool, error) {
	var errs []error
	for _, checker := range c {
		banned, err := checker.IsBanned(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if banned {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
