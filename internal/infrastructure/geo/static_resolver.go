// Package geo resolves client addresses to countries from a static CIDR table.
package geo

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/turtacn/paygate/internal/domain/service"
)

var _ service.GeoResolver = (*StaticResolver)(nil)

type cidrEntry struct {
	network *net.IPNet
	country string
	ones    int
}

// StaticResolver answers from configured CIDR -> country entries. The most specific network wins.
type StaticResolver struct {
	entries []cidrEntry
}

// NewStaticResolver parses table (CIDR -> ISO country code).
func NewStaticResolver(table map[string]string) (*StaticResolver, error) {
	r := &StaticResolver{}
	for cidr, country := range table {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("geo table: invalid CIDR %q: %w", cidr, err)
		}
		ones, _ := network.Mask.Size()
		r.entries = append(r.entries, cidrEntry{network: network, country: strings.ToUpper(country), ones: ones})
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].ones > r.entries[j].ones })
	return r, nil
}

// Country returns the ISO code for ip, or "" when no entry covers it.
func (r *StaticResolver) Country(_ context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	for _, e := range r.entries {
		if e.network.Contains(parsed) {
			return e.country, nil
		}
	}
	return "", nil
}
