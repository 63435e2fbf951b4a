package utils

import (
	"bytes"
	"encoding/json"

	"gopkg.in/yaml.v3"
)

func JSONIndent(body string) string {
	var buf bytes.Buffer
	_ = json.Indent(&buf, []byte(body), "", "\t")
	return buf.String()
}

func ToJSON(val any) string {
	js, _ := json.Marshal(val)
	return string(js)
}

func ToJSONIndent(val any) string {
	js, _ := json.MarshalIndent(val, "", "\t")
	return string(js)
}

func ToYAML(val any) string {
	js, _ := yaml.Marshal(val)
	return string(js)
}

// MergeEnv returns a copy of base with overrides applied, overrides win
func MergeEnv(base map[string]string, overrides map[string]string) map[string]string {
	res := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		res[k] = v
	}
	for k, v := range overrides {
		res[k] = v
	}
	return res
}
