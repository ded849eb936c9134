package webapp

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/hotswap/internal/errors"
)

// toChiPattern converts an Express style path ("/users/:id", "/files/*")
// into chi's syntax ("/users/{id}", "/files/*").
func toChiPattern(pattern string) (string, error) {
	if pattern == "" || pattern == "/" {
		return "/", nil
	}
	if !strings.HasPrefix(pattern, "/") {
		return "", errors.NewValidationError(errors.ErrCodeInvalidPattern,
			fmt.Sprintf("route pattern %q must start with '/'", pattern))
	}

	segments := strings.Split(pattern, "/")
	for i, segment := range segments {
		switch {
		case strings.HasPrefix(segment, ":"):
			name := segment[1:]
			if name == "" || strings.ContainsAny(name, "?+*(){}") {
				return "", errors.NewValidationError(errors.ErrCodeInvalidPattern,
					fmt.Sprintf("unsupported parameter %q in route pattern %q", segment, pattern))
			}
			segments[i] = "{" + name + "}"
		case segment == "*":
			if i != len(segments)-1 {
				return "", errors.NewValidationError(errors.ErrCodeInvalidPattern,
					fmt.Sprintf("wildcard must be the last segment of %q", pattern))
			}
		case strings.ContainsAny(segment, "{}"):
			return "", errors.NewValidationError(errors.ErrCodeInvalidPattern,
				fmt.Sprintf("braces are not allowed in route pattern %q", pattern))
		}
	}
	return strings.Join(segments, "/"), nil
}

// matcher answers whether a path belongs to a layer and extracts its
// parameters. A nil matcher accepts every path.
type matcher struct {
	mux    *chi.Mux
	prefix string
}

var noop = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// newMatcher builds the matcher of a layer. Prefix layers (mounted with Use)
// accept the pattern itself and everything below it.
func newMatcher(pattern string, prefix bool) (m *matcher, err error) {
	if pattern == "" || (prefix && pattern == "/") {
		return nil, nil
	}

	chiPattern, err := toChiPattern(pattern)
	if err != nil {
		return nil, err
	}

	// chi panics on patterns it cannot parse.
	defer func() {
		if rec := recover(); rec != nil {
			m = nil
			err = errors.NewValidationError(errors.ErrCodeInvalidPattern,
				fmt.Sprintf("invalid route pattern %q: %v", pattern, rec))
		}
	}()

	mux := chi.NewMux()
	mux.Handle(chiPattern, noop)
	if prefix && !strings.HasSuffix(chiPattern, "*") {
		mux.Handle(strings.TrimSuffix(chiPattern, "/")+"/*", noop)
	}

	return &matcher{mux: mux, prefix: strings.TrimSuffix(pattern, "/")}, nil
}

// match reports whether path is accepted and returns the captured
// parameters. For prefix layers it also returns the path below the mount
// point.
func (m *matcher) match(path string, prefix bool) (bool, map[string]string, string) {
	if m == nil {
		return true, nil, path
	}

	// Layers are registered for every method and filter methods themselves,
	// so GET stands in for methods chi does not know.
	rctx := chi.NewRouteContext()
	if !m.mux.Match(rctx, http.MethodGet, path) {
		return false, nil, ""
	}

	var params map[string]string
	for i, key := range rctx.URLParams.Keys {
		if key == "*" {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[key] = rctx.URLParams.Values[i]
	}

	rest := path
	if prefix {
		rest = strippedPath(path, m.prefix, rctx)
	}
	return true, params, rest
}

// strippedPath removes the mount point from path. When the mount point has
// parameters the matched wildcard tells where the remainder starts.
func strippedPath(path, mount string, rctx *chi.Context) string {
	if !strings.Contains(mount, ":") && strings.HasPrefix(path, mount) {
		rest := strings.TrimPrefix(path, mount)
		if rest == "" || !strings.HasPrefix(rest, "/") {
			rest = "/" + rest
		}
		return rest
	}
	if wildcard := rctx.URLParam("*"); wildcard != "" {
		return "/" + wildcard
	}
	return "/"
}
