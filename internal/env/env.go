package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env composes child environments: OS environment, then a kenv dotenv file,
// then host variables, then per-spawn overrides.
type Env struct {
	Var Var // host variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithSet returns a copy of e with K=V applied. The receiver is not modified,
// so an Env can be shared between spawns while callers add per-spawn values.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	if k != "" {
		n.Var[k] = v
	}
	return n
}

// LoadDotenv merges KEY=VALUE pairs from a dotenv file into the base layer.
// A missing file is not an error: a fresh kenv has no .env yet.
func (e *Env) LoadDotenv(path string) error {
	if path == "" {
		return nil
	}
	vals, err := godotenv.Read(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load dotenv %s: %w", path, err)
	}
	if e.env == nil {
		e.FromOS()
	}
	// copies made by WithSet share the base map
	base := make(Var, len(e.env)+len(vals))
	for k, v := range e.env {
		base[k] = v
	}
	for k, v := range vals {
		base[k] = v
	}
	e.env = base
	return nil
}

// Merge composes the final environment list applying order:
// base = OS env (or cached, including dotenv values)
// then apply host e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form, sorted by key, with ${VAR}
// expansion performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// JoinPath prepends dirs to an existing PATH-style list, skipping empties.
func JoinPath(existing string, dirs ...string) string {
	parts := make([]string, 0, len(dirs)+1)
	for _, d := range dirs {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(kvs []string, k string) (string, bool) {
	v, ok := parse(kvs)[k]
	return v, ok
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
