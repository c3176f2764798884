package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseTenantID checks that parsing never panics on arbitrary input and
// that accepted values are stable under re-parsing.
func FuzzParseTenantID(f *testing.F) {
	f.Add("")
	f.Add("tenant-A")
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("'; DROP TABLE audit_events;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))
	f.Add("tenant-A\x00suffix")

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseTenantID(input)
		if err != nil {
			return
		}
		if !utf8.ValidString(id.String()) {
			t.Errorf("accepted invalid UTF-8: %q", input)
		}
		again, err := ParseTenantID(id.String())
		if err != nil {
			t.Errorf("accepted ID failed round-trip: %v", err)
		}
		if again != id {
			t.Errorf("round-trip changed ID: %q != %q", again, id)
		}
	})
}
