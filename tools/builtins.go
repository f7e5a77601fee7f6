package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/vinayprograms/taskforge/conversation"
	terrors "github.com/vinayprograms/taskforge/errors"
)

// Builtin tool names.
const (
	FileReader      = "file_reader"
	CodeRunner      = "code_runner"
	SummarizerTool  = "summarizer"
	Echo            = "echo"
	WebFetch        = "web_fetch"
	GeneralExecutor = "general_executor"
)

const (
	defaultMaxFileSize = 10 * 1024 * 1024
	maxFetchBytes      = 1024 * 1024
	maxFetchChars      = 100000
)

// Summarizer condenses text, optionally around a focus question.
type Summarizer interface {
	Summarize(ctx context.Context, content, focus string) (string, error)
}

// BuiltinDeps are the collaborators builtins call into. Nil members leave
// the corresponding tool out.
type BuiltinDeps struct {
	Summarizer   Summarizer
	Conversation conversation.Engine
	HTTPClient   *http.Client
}

// Builtins returns the bindings for the built-in tools.
func Builtins(deps BuiltinDeps) []Binding {
	client := deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	out := []Binding{
		{Tool: fileReaderTool(), Impl: Func(readFile)},
		{Tool: codeRunnerTool(), Impl: Func(runCode)},
		{Tool: echoTool(), Impl: Func(echo)},
		{Tool: webFetchTool(), Impl: &fetcher{client: client, summarizer: deps.Summarizer}},
	}
	if deps.Summarizer != nil {
		out = append(out, Binding{Tool: summarizerTool(), Impl: &summarize{s: deps.Summarizer}})
	}
	if deps.Conversation != nil {
		out = append(out, Binding{Tool: generalExecutorTool(), Impl: &generalExecutor{engine: deps.Conversation}})
	}
	return out
}

func schema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, desc string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": desc}
}

func fileReaderTool() Tool {
	return Tool{
		Name:        FileReader,
		Description: "Reads the content of a local file",
		Category:    CategoryFileSystem,
		Parameters: schema([]string{"path"}, map[string]interface{}{
			"path":     prop("string", "Path to the file to read"),
			"encoding": prop("string", "Text encoding, utf-8 by default"),
			"max_size": prop("integer", "Maximum bytes to read"),
		}),
		RequiredPermissions: []string{"file_access"},
		Timeout:             60,
		RateLimitPerMin:     30,
		Enabled:             true,
	}
}

func readFile(ctx context.Context, p Params, _ Call) (interface{}, error) {
	path, err := p.FirstString("path", "file_path")
	if err != nil {
		return nil, terrors.InvalidInput(err.Error())
	}
	enc := strings.ToLower(p.StringOr("encoding", "utf-8"))
	if enc != "utf-8" && enc != "utf8" {
		return nil, terrors.InvalidInput(fmt.Sprintf("unsupported encoding %q", enc))
	}
	limit := p.IntOr("max_size", defaultMaxFileSize)

	info, err := os.Stat(path)
	if err != nil {
		return nil, terrors.NotFound(fmt.Sprintf("file not found: %s", path))
	}
	if info.IsDir() {
		return nil, terrors.InvalidInput(fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > int64(limit) {
		return nil, terrors.InvalidInput(fmt.Sprintf("%s is %d bytes, limit is %d", path, info.Size(), limit))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !utf8.Valid(content) {
		return nil, terrors.InvalidInput(fmt.Sprintf("%s is not valid utf-8", path))
	}
	return string(content), nil
}

func codeRunnerTool() Tool {
	return Tool{
		Name:        CodeRunner,
		Description: "Runs a snippet of python or bash code and returns its output",
		Category:    CategoryCodeExecution,
		Parameters: schema([]string{"code"}, map[string]interface{}{
			"language": prop("string", "python or bash"),
			"code":     prop("string", "Code to run"),
		}),
		RequiredPermissions: []string{"code_execution"},
		Timeout:             300,
		RateLimitPerMin:     10,
		Enabled:             true,
	}
}

// runCode executes on the host. It is only reached directly when the guard
// has no sandbox and runs in degraded mode.
func runCode(ctx context.Context, p Params, _ Call) (interface{}, error) {
	code, err := p.FirstString("code", "command")
	if err != nil {
		return nil, terrors.InvalidInput(err.Error())
	}

	var cmd *exec.Cmd
	switch lang := strings.ToLower(p.StringOr("language", "python")); lang {
	case "python", "python3":
		cmd = exec.CommandContext(ctx, "python3", "-c", code)
	case "bash", "sh", "shell":
		cmd = exec.CommandContext(ctx, "sh", "-c", code)
	default:
		return nil, terrors.InvalidInput(fmt.Sprintf("unsupported language %q", lang))
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("code exited: %w", err)
	}
	return out.String(), nil
}

func echoTool() Tool {
	return Tool{
		Name:        Echo,
		Description: "Returns its input text",
		Category:    CategoryGeneral,
		Parameters: schema([]string{"text"}, map[string]interface{}{
			"text": prop("string", "Text to echo"),
		}),
		Enabled: true,
	}
}

func echo(_ context.Context, p Params, _ Call) (interface{}, error) {
	text, ok := p.Text("text")
	if !ok {
		text, _ = p.Text("message")
	}
	return "Echo: " + text, nil
}

func summarizerTool() Tool {
	return Tool{
		Name:        SummarizerTool,
		Description: "Summarizes text, optionally focused on a question",
		Category:    CategoryTextProcessing,
		Parameters: schema([]string{"text"}, map[string]interface{}{
			"text":  prop("string", "Text to summarize"),
			"focus": prop("string", "What the summary should answer"),
		}),
		Timeout: 120,
		Enabled: true,
	}
}

type summarize struct{ s Summarizer }

func (t *summarize) Execute(ctx context.Context, p Params, _ Call) (interface{}, error) {
	text, ok := p.Text("text")
	if !ok {
		if text, ok = p.Text("content"); !ok {
			return nil, terrors.InvalidInput("text is required")
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, terrors.InvalidInput("text is empty")
	}
	return t.s.Summarize(ctx, text, p.StringOr("focus", ""))
}

func webFetchTool() Tool {
	return Tool{
		Name:        WebFetch,
		Description: "Fetches a web page and returns its readable text, or an answer to question when given",
		Category:    CategoryWeb,
		Parameters: schema([]string{"url"}, map[string]interface{}{
			"url":      prop("string", "URL to fetch"),
			"question": prop("string", "What to extract from the page"),
		}),
		RequiredPermissions: []string{"web_access"},
		Timeout:             60,
		RateLimitPerMin:     30,
		Enabled:             true,
	}
}

type fetcher struct {
	client     *http.Client
	summarizer Summarizer
}

func (t *fetcher) Execute(ctx context.Context, p Params, _ Call) (interface{}, error) {
	url, err := p.String("url")
	if err != nil {
		return nil, terrors.InvalidInput(err.Error())
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, terrors.InvalidInput("url must be http or https")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "taskforge/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, terrors.New(terrors.ErrCodeUnavailable, "fetch failed", terrors.WithCause(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, terrors.New(terrors.ErrCodeRateLimit, fmt.Sprintf("fetch %s: throttled", url))
	}
	if resp.StatusCode >= 400 {
		return nil, terrors.New(terrors.ErrCodeUnavailable, fmt.Sprintf("fetch %s: status %d", url, resp.StatusCode),
			terrors.WithRetryable(resp.StatusCode >= 500))
	}

	text, err := readableText(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}
	if len(text) > maxFetchChars {
		text = text[:maxFetchChars] + "\n\n[content truncated]"
	}

	question := p.StringOr("question", "")
	if question == "" || t.summarizer == nil {
		return text, nil
	}
	return t.summarizer.Summarize(ctx, text, question)
}

// readableText drops non-content elements and joins block text with
// newlines.
func readableText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, head, nav, footer, noscript").Remove()

	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, td").Each(func(_ int, s *goquery.Selection) {
		if line := strings.Join(strings.Fields(s.Text()), " "); line != "" {
			lines = append(lines, line)
		}
	})
	if len(lines) == 0 {
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.Join(lines, "\n"), nil
}

func generalExecutorTool() Tool {
	return Tool{
		Name:        GeneralExecutor,
		Description: "Works through an open-ended instruction with a panel of collaborating assistants",
		Category:    CategoryGeneral,
		Parameters: schema([]string{"prompt"}, map[string]interface{}{
			"prompt":  prop("string", "Instruction to carry out"),
			"context": prop("string", "Background knowledge"),
		}),
		Timeout: 600,
		Enabled: true,
	}
}

type generalExecutor struct {
	engine conversation.Engine
}

func (t *generalExecutor) Execute(ctx context.Context, p Params, call Call) (interface{}, error) {
	prompt, ok := p.Text("prompt")
	if !ok {
		if prompt, ok = p.Text("description"); !ok {
			return nil, terrors.InvalidInput("prompt is required")
		}
	}
	knowledge := p.StringOr("context", "")

	transcript, err := t.engine.Submit(ctx, conversation.Task{ID: call.TaskID, Prompt: prompt}, knowledge)
	if err != nil {
		return nil, err
	}
	return transcript.Summary, nil
}
