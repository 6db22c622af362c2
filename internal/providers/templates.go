package providers

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// invocationTemplate is the on-disk shape of a `.steroids/templates/<name>.toml`
// file: a per-provider override of the argv this process builds before
// handing it to internal/supervisor, the way internal/config layers a
// project file over built-in defaults rather than requiring every field to
// be restated.
type invocationTemplate struct {
	CLI        string   `toml:"cli"`
	ExtraArgs  []string `toml:"extra_args"`
	ModelFlag  string   `toml:"model_flag"`
	JSONStream *bool    `toml:"json_stream"`
}

// loadTemplates reads every `<steroidsDir>/templates/*.toml` file into a
// map keyed by file stem (so `claude.toml` overrides the "claude" provider).
// A missing templates directory is not an error: most projects never
// customize invocation shape and fall back to the built-in providers.
func loadTemplates(steroidsDir string) map[string]invocationTemplate {
	out := map[string]invocationTemplate{}
	if steroidsDir == "" {
		return out
	}
	dir := filepath.Join(steroidsDir, "templates")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".toml" {
			continue
		}
		name := ent.Name()[:len(ent.Name())-len(".toml")]
		var tmpl invocationTemplate
		if _, err := toml.DecodeFile(filepath.Join(dir, ent.Name()), &tmpl); err != nil {
			continue
		}
		out[name] = tmpl
	}
	return out
}

// applyTemplate overlays a decoded invocationTemplate onto a base provider
// definition field by field, leaving anything the template left zero-valued
// untouched — the same "only override what's set" merge idiom
// internal/config uses across its defaults/global/project/env layers.
func applyTemplate(b base, t invocationTemplate) base {
	if t.CLI != "" {
		b.cli = t.CLI
	}
	if len(t.ExtraArgs) > 0 {
		b.extraArgs = t.ExtraArgs
	}
	if t.ModelFlag != "" {
		b.modelFlag = t.ModelFlag
	}
	if t.JSONStream != nil {
		b.jsonStream = *t.JSONStream
	}
	return b
}
