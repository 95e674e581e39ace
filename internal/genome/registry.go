package genome

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrCodecExists   = errors.New("genome codec already registered")
	ErrCodecNotFound = errors.New("genome codec not found")
)

var codecRegistry = struct {
	mu sync.RWMutex
	m  map[string]Codec
}{
	m: make(map[string]Codec),
}

// Register makes a codec resolvable by name. Registration of a duplicate
// name is an error so experiments cannot silently shadow each other.
func Register(codec Codec) error {
	if codec == nil {
		return errors.New("codec is required")
	}
	name := codec.Name()
	if name == "" {
		return errors.New("codec name is required")
	}

	codecRegistry.mu.Lock()
	defer codecRegistry.mu.Unlock()

	if _, exists := codecRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrCodecExists, name)
	}
	codecRegistry.m[name] = codec
	return nil
}

// Resolve returns the codec registered under name.
func Resolve(name string) (Codec, error) {
	codecRegistry.mu.RLock()
	codec, ok := codecRegistry.m[name]
	codecRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCodecNotFound, name)
	}
	return codec, nil
}

func ListCodecs() []string {
	codecRegistry.mu.RLock()
	defer codecRegistry.mu.RUnlock()

	names := make([]string, 0, len(codecRegistry.m))
	for name := range codecRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetCodecRegistryForTests() {
	codecRegistry.mu.Lock()
	defer codecRegistry.mu.Unlock()
	codecRegistry.m = make(map[string]Codec)
}
