package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// requiredFields must be present in every declaration.
var requiredFields = []string{"name", "description", "parameters"}

// declaration mirrors Tool with Enabled optional so an omitted flag
// defaults to true.
type declaration struct {
	Tool
	Enabled *bool `json:"enabled"`
}

// LoadCatalog reads every *.yaml, *.yml and *.json file in dir. A file may
// hold one tool, a list of tools, or {tools: [...]}. Broken files and
// invalid declarations are reported in errs and skipped; the rest load. A
// missing dir yields no tools and no errors.
func LoadCatalog(dir string) (tools []Tool, errs []error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{fmt.Errorf("read tools dir: %w", err)}
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		loaded, fileErrs := LoadCatalogFile(f)
		tools = append(tools, loaded...)
		errs = append(errs, fileErrs...)
	}
	return tools, errs
}

// LoadCatalogFile reads declarations from one file.
func LoadCatalogFile(path string) ([]Tool, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{err}
	}

	var raw interface{}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &raw)
	} else {
		err = yaml.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, []error{fmt.Errorf("%s: %w", filepath.Base(path), err)}
	}

	var items []interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		if list, ok := v["tools"].([]interface{}); ok {
			items = list
		} else {
			items = []interface{}{v}
		}
	case []interface{}:
		items = v
	case nil:
		return nil, nil
	default:
		return nil, []error{fmt.Errorf("%s: unexpected top-level %T", filepath.Base(path), raw)}
	}

	var (
		tools []Tool
		errs  []error
	)
	for i, item := range items {
		t, err := parseDeclaration(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", filepath.Base(path), i, err))
			continue
		}
		tools = append(tools, t)
	}
	return tools, errs
}

func parseDeclaration(item interface{}) (Tool, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return Tool{}, fmt.Errorf("declaration is %T, want mapping", item)
	}
	for _, f := range requiredFields {
		if _, ok := m[f]; !ok {
			return Tool{}, fmt.Errorf("missing required field %q", f)
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return Tool{}, err
	}
	var d declaration
	if err := json.Unmarshal(b, &d); err != nil {
		return Tool{}, err
	}
	if strings.TrimSpace(d.Name) == "" {
		return Tool{}, fmt.Errorf("name is empty")
	}

	t := d.Tool
	t.Enabled = d.Enabled == nil || *d.Enabled
	t.applyDefaults()
	return t, nil
}
