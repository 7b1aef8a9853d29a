package mx

import (
	"context"
	"net"
	"reflect"
	"testing"

	"github.com/foxcpp/go-mockdns"

	"github.com/minimailgun/minimailgun/framework/dns"
	"github.com/minimailgun/minimailgun/framework/exterrors"
)

func TestDNS_SortedByPreference(t *testing.T) {
	resolver := DNS{R: &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.invalid.": {
				MX: []net.MX{
					{Host: "mx2.example.invalid.", Pref: 20},
					{Host: "mx1.example.invalid.", Pref: 10},
				},
			},
		},
	}}

	hosts, err := resolver.Resolve(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"mx1.example.invalid", "mx2.example.invalid"}) {
		t.Errorf("Wrong host order: %v", hosts)
	}
}

func TestDNS_LookupErrorIsTemporary(t *testing.T) {
	resolver := DNS{R: &mockdns.Resolver{Zones: map[string]mockdns.Zone{}}}

	_, err := resolver.Resolve(context.Background(), "example.invalid")
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Lookup error not temporary: %v", err)
	}
}

func TestDNS_NullMX(t *testing.T) {
	resolver := DNS{R: &mockdns.Resolver{
		Zones: map[string]mockdns.Zone{
			"example.invalid.": {
				MX: []net.MX{{Host: ".", Pref: 0}},
			},
		},
	}}

	_, err := resolver.Resolve(context.Background(), "example.invalid")
	if err == nil {
		t.Fatal("Expected an error, got none")
	}
	if exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Null MX error is temporary: %v", err)
	}
	if code, _ := exterrors.Fields(err)["smtp_code"].(int); code != 556 {
		t.Errorf("Wrong smtp_code: %v", code)
	}
}

// noMXResolverStub reports an MX-less domain: empty answer, no error.
type noMXResolverStub struct {
	dns.Resolver
}

func (noMXResolverStub) LookupMX(_ context.Context, _ string) ([]*net.MX, error) {
	return nil, nil
}

func TestDNS_FallbackToDomain(t *testing.T) {
	resolver := DNS{R: noMXResolverStub{}}

	hosts, err := resolver.Resolve(context.Background(), "example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"example.invalid"}) {
		t.Errorf("Expected fallback to the domain itself, got %v", hosts)
	}
}

func TestStatic_Resolve(t *testing.T) {
	resolver := Static{M: map[string][]string{
		"example.org": {"mx1.example.org", "mx2.example.org"},
	}}

	hosts, err := resolver.Resolve(context.Background(), "EXAMPLE.org")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hosts, []string{"mx1.example.org", "mx2.example.org"}) {
		t.Errorf("Wrong hosts: %v", hosts)
	}

	_, err = resolver.Resolve(context.Background(), "unknown.org")
	if err == nil {
		t.Fatal("Expected an error for an unmapped domain")
	}
	if !exterrors.IsTemporaryOrUnspec(err) {
		t.Errorf("Unmapped domain error not temporary: %v", err)
	}
}

func TestParseStatic(t *testing.T) {
	static, err := ParseStatic("a.org:mx1.a.org,mx2.a.org;B.org:mx.b.org")
	if err != nil {
		t.Fatal(err)
	}

	expected := map[string][]string{
		"a.org": {"mx1.a.org", "mx2.a.org"},
		"b.org": {"mx.b.org"},
	}
	if !reflect.DeepEqual(static.M, expected) {
		t.Errorf("Wrong mapping: %v", static.M)
	}

	for _, malformed := range []string{"a.org", "a.org:", ":mx.a.org", "a.org:mx1,,mx2"} {
		if _, err := ParseStatic(malformed); err == nil {
			t.Errorf("No error for malformed config %q", malformed)
		}
	}
}
