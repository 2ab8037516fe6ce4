// Package env composes the environment for launched game-server processes:
// the daemon's own environment, the operator-configured child variables, and
// per-launch overrides such as JAVA_HOME or LD_LIBRARY_PATH.
package env

import (
	"sort"
	"strings"
)

// Table is one layer of K=V overrides.
type Table map[string]string

// Merge composes base (exec-style "K=V" entries, usually os.Environ) with
// override layers applied left to right; later layers win. ${VAR} references
// in a layer value resolve against that layer and everything beneath it; a
// self-reference sees the value being overridden, so PATH=${JAVA_HOME}/bin:${PATH}
// works the way it would in a shell. Expansion is a single pass, no
// recursion. Malformed base entries and empty keys are dropped. The result
// is sorted for deterministic launches.
func Merge(base []string, layers ...Table) []string {
	m := make(Table, len(base))
	for _, kv := range base {
		k, v, ok := splitKV(kv)
		if !ok {
			continue
		}
		m[k] = v
	}
	for _, layer := range layers {
		staged := make(Table, len(layer))
		for k, v := range layer {
			if k == "" {
				continue
			}
			staged[k] = expand(v, func(name string) string {
				if name != k {
					if lv, ok := layer[name]; ok {
						return lv
					}
				}
				return m[name]
			})
		}
		for k, v := range staged {
			m[k] = v
		}
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func splitKV(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand substitutes ${name} references left to right. Substituted values
// are not rescanned; an unterminated reference is kept literally.
func expand(s string, lookup func(string) string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(s[i+2:], "}")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(lookup(s[i+2 : i+2+j]))
		s = s[i+2+j+1:]
	}
}
