package lease

import (
	"fmt"
	"strings"
)

// OpenStore picks a backend from a state URL. Supported schemes:
//
//	file:///shared/dir   shared directory with lock files (also bare paths)
//	redis://host:6379/0  redis with WATCH-based compare-and-swap
//	postgres://...       postgres with row locking
//
// An empty URL falls back to the per-user cache directory.
func OpenStore(stateURL string) (Store, error) {
	switch {
	case stateURL == "":
		return NewFileStore(DefaultStateDir()), nil
	case strings.HasPrefix(stateURL, "redis://"), strings.HasPrefix(stateURL, "rediss://"):
		return NewRedisStore(stateURL)
	case strings.HasPrefix(stateURL, "postgres://"), strings.HasPrefix(stateURL, "postgresql://"):
		return NewPostgresStore(stateURL)
	case strings.HasPrefix(stateURL, "file://"):
		return NewFileStore(strings.TrimPrefix(stateURL, "file://")), nil
	case strings.Contains(stateURL, "://"):
		return nil, fmt.Errorf("unsupported state store URL %q", stateURL)
	default:
		return NewFileStore(stateURL), nil
	}
}
