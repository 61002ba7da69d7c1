package lobby

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
)

// idSource issues 10-digit numeric identifiers that never repeat within the
// process lifetime. It is safe for concurrent use.
type idSource struct {
	mu     sync.Mutex
	issued map[string]struct{}
	draw   func() int64
}

func newIDSource() *idSource {
	return &idSource{
		issued: make(map[string]struct{}),
		draw: func() int64 {
			return 1_000_000_000 + rand.Int64N(9_000_000_000)
		},
	}
}

func (g *idSource) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := strconv.FormatInt(g.draw(), 10)
		if _, dup := g.issued[id]; !dup {
			g.issued[id] = struct{}{}
			return id
		}
	}
}

// guestName returns prefix followed by six random digits.
func guestName(prefix string) string {
	return fmt.Sprintf("%s%06d", prefix, rand.IntN(1_000_000))
}
