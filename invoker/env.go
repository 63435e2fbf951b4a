package invoker

import (
	"runtime"
	"sort"
	"strings"
)

// mergeEnv returns a new environment list with overrides applied,
// the environ slice is not modified.
func mergeEnv(environ []string, overrides map[string]string) []string {
	res := make([]string, 0, len(environ)+len(overrides))
	if len(overrides) == 0 {
		return append(res, environ...)
	}

	replaced := make(map[string]struct{}, len(overrides))
	for k := range overrides {
		replaced[envKey(k)] = struct{}{}
	}

	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if _, ok := replaced[envKey(name)]; ok {
			continue
		}
		res = append(res, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res = append(res, k+"="+overrides[k])
	}
	return res
}

// envKey normalizes the variable name, Windows names are case-insensitive
func envKey(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name)
	}
	return name
}
