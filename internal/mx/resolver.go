/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package mx resolves the MX hosts mail for a domain should be delivered to.
//
// Resolution failures are temporary in the sense of exterrors: the delivery
// agent responds to them by scheduling a retry. The only permanent outcome
// is a null MX record, which is the domain's way of saying it never accepts
// mail (RFC 7505).
package mx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/minimailgun/minimailgun/framework/dns"
	"github.com/minimailgun/minimailgun/framework/exterrors"
)

// Resolver returns the candidate MX hostnames for a domain, most preferred
// first.
type Resolver interface {
	Resolve(ctx context.Context, domain string) ([]string, error)
}

// DNS is the Resolver backed by live MX lookups.
type DNS struct {
	R dns.Resolver
}

func (d DNS) Resolve(ctx context.Context, domain string) ([]string, error) {
	records, err := d.R.LookupMX(ctx, domain)
	if err != nil {
		return nil, &exterrors.SMTPError{
			Code:         451,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 4},
			Message:      "MX lookup error",
			TargetName:   "mx",
			Err:          err,
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	// Null MX means the domain does not accept email, which no amount of
	// retrying will change.
	if len(records) == 1 && records[0].Host == "." {
		return nil, &exterrors.SMTPError{
			Code:         556,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 10},
			Message:      "Domain does not accept email (null MX)",
			TargetName:   "mx",
			Misc: map[string]interface{}{
				"domain": domain,
			},
		}
	}

	// Fall back to the A/AAAA record as required by RFC 5321 Section 5.1.
	if len(records) == 0 {
		return []string{domain}, nil
	}

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		if r.Host == "." {
			continue
		}
		hosts = append(hosts, strings.TrimSuffix(r.Host, "."))
	}
	return hosts, nil
}

// Static is the Resolver backed by a fixed domain -> MX hosts map. It is
// used when STATIC_MX_CONFIG is set and in tests.
type Static struct {
	M map[string][]string
}

func (s Static) Resolve(_ context.Context, domain string) ([]string, error) {
	hosts, ok := s.M[strings.ToLower(domain)]
	if !ok {
		return nil, exterrors.WithTemporary(
			fmt.Errorf("mx: can't resolve MX for %q: unknown domain", domain), true)
	}
	return hosts, nil
}

// ParseStatic parses the STATIC_MX_CONFIG format:
// "dom1:mx1,mx2;dom2:mx3".
func ParseStatic(cfg string) (Static, error) {
	m := map[string][]string{}
	for _, entry := range strings.Split(cfg, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Static{}, fmt.Errorf("mx: malformed static MX entry %q", entry)
		}
		var hosts []string
		for _, h := range strings.Split(parts[1], ",") {
			h = strings.TrimSpace(h)
			if h == "" {
				return Static{}, fmt.Errorf("mx: malformed static MX entry %q", entry)
			}
			hosts = append(hosts, h)
		}
		m[strings.ToLower(strings.TrimSpace(parts[0]))] = hosts
	}
	return Static{M: m}, nil
}
