package session

import (
	"fmt"
	"net"
)

// UEIPPool hands out UE PDN addresses from a CIDR range. A responder-side
// session draws from it when building the PAA IE of a Create Session
// Response. Single-threaded: only the scheduler goroutine allocates.
type UEIPPool struct {
	cidr      *net.IPNet
	nextIP    net.IP
	allocated map[string]bool
}

// NewUEIPPool creates a pool from a CIDR string (e.g. "10.60.0.0/24").
func NewUEIPPool(cidr string) (*UEIPPool, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}

	firstIP := make(net.IP, len(ipnet.IP))
	copy(firstIP, ipnet.IP)
	incrementIP(firstIP)

	return &UEIPPool{
		cidr:      ipnet,
		nextIP:    firstIP,
		allocated: make(map[string]bool),
	}, nil
}

// Allocate returns the next free address from the pool.
func (p *UEIPPool) Allocate() (net.IP, error) {
	ones, bits := p.cidr.Mask.Size()
	totalIPs := 1 << (bits - ones)

	checked := 0
	for {
		if !p.cidr.Contains(p.nextIP) {
			copy(p.nextIP, p.cidr.IP)
			incrementIP(p.nextIP)
		}

		ipStr := p.nextIP.String()
		if !p.allocated[ipStr] {
			p.allocated[ipStr] = true
			result := make(net.IP, len(p.nextIP))
			copy(result, p.nextIP)
			incrementIP(p.nextIP)
			return result, nil
		}

		incrementIP(p.nextIP)
		if checked++; checked >= totalIPs {
			return nil, fmt.Errorf("UE IP pool exhausted (all %d addresses allocated)", len(p.allocated))
		}
	}
}

// Release frees a previously allocated address.
func (p *UEIPPool) Release(ip net.IP) {
	delete(p.allocated, ip.String())
}

// AllocatedCount returns the number of addresses currently in use.
func (p *UEIPPool) AllocatedCount() int {
	return len(p.allocated)
}

func incrementIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}
