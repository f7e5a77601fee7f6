package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

// run parses args and runs the selected command, capturing its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	parser, err := kong.New(&cli, kongVars(), kong.BindTo(io.Writer(&out), (*io.Writer)(nil)))
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	err = ctx.Run(&cli.Globals)
	return out.String(), err
}

// offlineConfig writes a config using the mock model and a private catalog.
func offlineConfig(t *testing.T) (cfgPath, toolsDir string) {
	t.Helper()
	dir := t.TempDir()
	toolsDir = filepath.Join(dir, "tools.d")
	if err := os.Mkdir(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "[llm]\nprovider = \"mock\"\n\n[knowledge]\nenabled = false\n\n[tools]\ndir = \"" + toolsDir + "\"\n"
	cfgPath = filepath.Join(dir, "taskforge.toml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, toolsDir
}

func TestCLI_Defaults(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"submit", "read file A"}); err != nil {
		t.Fatal(err)
	}
	if cli.Submit.Prompt != "read file A" || cli.Submit.Owner != "cli" || cli.Submit.Timeout.String() != "10m0s" {
		t.Errorf("submit = %+v", cli.Submit)
	}
	if cli.EnvFile != ".env" {
		t.Errorf("env file = %q", cli.EnvFile)
	}
}

func TestCLI_SubmitFlags(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli)
	if err != nil {
		t.Fatal(err)
	}
	_, err = parser.Parse([]string{"-c", "x.toml", "submit", "-p", "9", "-k", "abc", "--permissions", "file_access", "--permissions", "web_access", "--wait", "go"})
	if err != nil {
		t.Fatal(err)
	}
	s := cli.Submit
	if s.Priority != 9 || s.Key != "abc" || !s.Wait || len(s.Permissions) != 2 {
		t.Errorf("submit = %+v", s)
	}
	if !strings.HasSuffix(cli.Config, "x.toml") {
		t.Errorf("config = %q", cli.Config)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "taskforge version dev") {
		t.Errorf("out = %q", out)
	}
}

func TestToolsCmd(t *testing.T) {
	cfg, dir := offlineConfig(t)
	custom := "name: word_count\ndescription: Count words\ncategory: text_processing\nparameters: {type: object}\n"
	if err := os.WriteFile(filepath.Join(dir, "wc.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "--env-file", filepath.Join(dir, "none.env"), "-c", cfg, "tools")
	if err != nil {
		t.Fatalf("tools: %v", err)
	}
	for _, want := range []string{"NAME", "file_reader", "code_runner", "word_count", "summarizer"} {
		if !strings.Contains(out, want) {
			t.Errorf("table lacks %q:\n%s", want, out)
		}
	}

	out, err = run(t, "--env-file", filepath.Join(dir, "none.env"), "-c", cfg, "tools", "--json", "--category", "text_processing")
	if err != nil {
		t.Fatalf("tools --json: %v", err)
	}
	var doc struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	for _, tool := range doc.Tools {
		if tool.Name == "file_reader" {
			t.Errorf("category filter ignored: %v", doc.Tools)
		}
	}
}

func TestPlanCmd_FallsBackWithSilentModel(t *testing.T) {
	cfg, dir := offlineConfig(t)
	out, err := run(t, "--env-file", filepath.Join(dir, "none.env"), "-c", cfg, "plan", "tidy the workspace")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var p struct {
		Steps []struct {
			ToolName string `json:"tool_name"`
		} `json:"steps"`
		Origin string `json:"origin"`
	}
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(p.Steps) != 1 || p.Steps[0].ToolName != "general_executor" || p.Origin != "fallback" {
		t.Errorf("plan = %+v", p)
	}
}

func TestSubmitCmd_RequiresSharedBackend(t *testing.T) {
	cfg, dir := offlineConfig(t)
	_, err := run(t, "--env-file", filepath.Join(dir, "none.env"), "-c", cfg, "submit", "hello")
	if !errors.Is(err, errNoSharedBackend) {
		t.Errorf("err = %v, want errNoSharedBackend", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a\nb", 10); got != "a b" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate(strings.Repeat("x", 20), 10); got != "xxxxxxx..." {
		t.Errorf("truncate = %q", got)
	}
}
