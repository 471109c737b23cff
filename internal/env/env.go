package env

import (
	"os"
	"strings"
)

type Var map[string]string

// UnbufferedIO holds the variables appended to every backend environment so
// interpreter-based backends flush output line by line and their log lines
// reach the supervisor promptly. A key already present in the merged
// environment is left untouched, so specs can opt out.
var UnbufferedIO = Var{
	"PYTHONUNBUFFERED":        "1",
	"PYTHONDONTWRITEBYTECODE": "1",
}

type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// SetBase replaces the cached base environment. Passing an empty map keeps
// the OS environment out of Merge entirely.
func (e *Env) SetBase(base Var) {
	m := make(Var, len(base))
	for k, v := range base {
		if k == "" {
			continue
		}
		m[k] = v
	}
	e.env = m
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base (OS env or whatever SetBase cached), then global e.Var overrides,
// then perProc ("K=V" slice) overrides. ${VAR} placeholders are expanded
// against the composed map (single pass, no recursion).
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perProc {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" { // skip malformed entries with empty key
				continue
			}
			m[k] = v
		}
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// EnsureDefaults appends K=V pairs from defaults for keys not already present
// in envv. The input slice is not modified.
func EnsureDefaults(envv []string, defaults Var) []string {
	seen := make(map[string]struct{}, len(envv))
	for _, kv := range envv {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			seen[kv[:i]] = struct{}{}
		}
	}
	out := append([]string(nil), envv...)
	for k, v := range defaults {
		if _, ok := seen[k]; ok {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

func expand(s string, m Var) string {
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
