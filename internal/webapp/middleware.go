package webapp

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// BodyLocal is the Locals key body parsers store the decoded body under.
const BodyLocal = "webapp.body"

// DefaultBodyLimit caps request bodies read by the parsers.
const DefaultBodyLimit = 100 << 10

// Static serves files below root and passes the request on when no file
// matches. Directories serve their index.html.
func Static(root string) HandlerFunc {
	fs := http.FileServer(http.Dir(root))
	return func(w http.ResponseWriter, r *http.Request, next NextFunc) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			next()
			return
		}

		name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
		info, err := os.Stat(name)
		if err != nil {
			next()
			return
		}
		if info.IsDir() {
			if _, err := os.Stat(filepath.Join(name, "index.html")); err != nil {
				next()
				return
			}
		}
		fs.ServeHTTP(w, r)
	}
}

// JSONBody decodes application/json request bodies into Locals under
// BodyLocal. Malformed bodies fail the request with a 400.
func JSONBody(limit int64) HandlerFunc {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(w http.ResponseWriter, r *http.Request, next NextFunc) {
		if !hasContentType(r, "application/json") || r.Body == nil {
			next()
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			http.Error(w, "cannot read request body", http.StatusBadRequest)
			return
		}
		if int64(len(data)) > limit {
			http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
			return
		}

		var body any
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				http.Error(w, fmt.Sprintf("invalid JSON body: %v", err), http.StatusBadRequest)
				return
			}
		}
		if locals := Locals(r); locals != nil {
			locals[BodyLocal] = body
		}
		next()
	}
}

// URLEncodedBody decodes form bodies into Locals under BodyLocal. Keys with
// one value map to a string, repeated keys to a list.
func URLEncodedBody(limit int64) HandlerFunc {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return func(w http.ResponseWriter, r *http.Request, next NextFunc) {
		if !hasContentType(r, "application/x-www-form-urlencoded") || r.Body == nil {
			next()
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form body", http.StatusBadRequest)
			return
		}

		body := make(map[string]any, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) == 1 {
				body[key] = values[0]
				continue
			}
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			body[key] = list
		}
		if locals := Locals(r); locals != nil {
			locals[BodyLocal] = body
		}
		next()
	}
}

func hasContentType(r *http.Request, want string) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == want
}
