package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestIDSource_SkipsIssued(t *testing.T) {
	draws := []int64{1234567890, 1234567890, 1234567890, 9876543210}
	g := newIDSource()
	g.draw = func() int64 {
		v := draws[0]
		draws = draws[1:]
		return v
	}
	assert.Equal(t, "1234567890", g.next())
	assert.Equal(t, "9876543210", g.next())
}

func TestGuestName(t *testing.T) {
	assert.Regexp(t, `^游客\d{6}$`, guestName("游客"))
	assert.Regexp(t, `^\d{6}$`, guestName(""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 12))
	assert.Equal(t, "曹操曹操曹操曹操曹操曹操", truncate("曹操曹操曹操曹操曹操曹操曹操", 12))
	assert.Equal(t, "", truncate("", 12))
}

// Property: identifiers are 10-digit numeric strings and never repeat.
func TestPropertyIDsUnique(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 500).Draw(t, "n")
		g := newIDSource()
		seen := make(map[string]bool, n)
		for i := 0; i < n; i++ {
			id := g.next()
			if len(id) != 10 || id[0] == '0' {
				t.Fatalf("malformed id %q", id)
			}
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	})
}
