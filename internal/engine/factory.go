package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory resolves game type names to engines. Adding a game means
// registering one more constructor; dispatch code does not change.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]func() Engine
}

func NewFactory() *Factory {
	f := &Factory{builders: make(map[string]func() Engine)}
	f.Register(Connect4Name, func() Engine { return Connect4{} })
	f.Register(TicTacToeName, func() Engine { return TicTacToe{} })
	return f
}

func (f *Factory) Register(name string, build func() Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[normalizeName(name)] = build
}

// Resolve is case-insensitive and ignores surrounding whitespace.
func (f *Factory) Resolve(name string) (Engine, error) {
	f.mu.RLock()
	build, ok := f.builders[normalizeName(name)]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedGame, name)
	}
	return build(), nil
}

func (f *Factory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
