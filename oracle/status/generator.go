package status

import (
	"math/rand"
	"sync"
	"time"

	"github.com/GPTx-global/flight-oracle/oracle/types"
)

// Generator draws flight status codes uniformly from types.StatusCodes.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewGenerator returns a generator over src, or a time-seeded one when src is nil.
func NewGenerator(src rand.Source) *Generator {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}

	return &Generator{rnd: rand.New(src)}
}

// Generate returns one random status code.
func (g *Generator) Generate() types.StatusCode {
	g.mu.Lock()
	n := g.rnd.Intn(len(types.StatusCodes))
	g.mu.Unlock()

	return types.StatusCodes[n]
}

var shared = NewGenerator(nil)

// Generate draws from the process-wide generator.
func Generate() types.StatusCode {
	return shared.Generate()
}
