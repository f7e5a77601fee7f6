package guard

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultBlocked are substrings that reject an invocation outright.
var DefaultBlocked = []string{"rm -rf", "sudo", "su"}

// DefaultDeniedCommands are base commands rejected in any segment of a
// shell pipeline or chain.
var DefaultDeniedCommands = []string{
	// privilege escalation
	"doas", "su", "sudo", "pkexec", "gksudo", "kdesudo",
	// system modification
	"mkfs", "fdisk", "parted", "mount", "umount", "shutdown", "reboot", "poweroff",
	// destructive file operations
	"shred", "wipe", "dd",
	// namespace escape
	"chroot", "unshare", "nsenter", "setcap",
}

// DangerousPipePatterns catch download-and-execute and piped escalation.
var DangerousPipePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(curl|wget)\s+.+\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)(curl|wget)\s+.+\|\s*python`),
	regexp.MustCompile(`(?i)\|\s*sudo\b`),
	regexp.MustCompile(`(?i)\|\s*su\b`),
	regexp.MustCompile(`(?i)\|\s*base64\s+-d\s*\|\s*(ba)?sh`),
}

// DefaultAdvisory are code patterns that are logged but allowed.
var DefaultAdvisory = []string{"import os", "subprocess", "__import__"}

// Policy is the guard's pre-execution security policy.
type Policy struct {
	MaxExecutionTime time.Duration `toml:"max_execution_time"`
	MaxMemory        string        `toml:"max_memory"`
	Blocked          []string      `toml:"blocked"`
	DeniedCommands   []string      `toml:"denied_commands"`
	Advisory         []string      `toml:"advisory"`

	blocked []blockedPattern
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		MaxExecutionTime: 600 * time.Second,
		MaxMemory:        "1g",
		Blocked:          append([]string(nil), DefaultBlocked...),
		DeniedCommands:   append([]string(nil), DefaultDeniedCommands...),
		Advisory:         append([]string(nil), DefaultAdvisory...),
	}
	p.compile()
	return p
}

// LoadPolicy reads a TOML policy file. Lists in the file extend the
// built-in lists; they never replace them.
func LoadPolicy(path string) (*Policy, error) {
	var file Policy
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load policy %s: unknown keys %v", path, undecoded)
	}

	p := DefaultPolicy()
	if file.MaxExecutionTime > 0 {
		p.MaxExecutionTime = file.MaxExecutionTime
	}
	if file.MaxMemory != "" {
		p.MaxMemory = file.MaxMemory
	}
	p.Extend(file.Blocked, file.DeniedCommands, file.Advisory)
	return p, nil
}

// Extend merges extra entries into the policy, dropping duplicates.
func (p *Policy) Extend(blocked, denied, advisory []string) {
	p.Blocked = merge(p.Blocked, blocked)
	p.DeniedCommands = merge(p.DeniedCommands, denied)
	p.Advisory = merge(p.Advisory, advisory)
	p.compile()
}

func merge(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// compile turns each blocked entry into a pattern anchored at a word
// start. Multi-word entries match any suffix, so "rm -rf" also catches
// `rm -rfv`. Single words end at the next letter or digit, so "su" matches
// `su root` and `su_x` but not `sum`.
func (p *Policy) compile() {
	p.blocked = p.blocked[:0]
	for _, b := range p.Blocked {
		words := strings.Fields(b)
		if len(words) == 0 {
			continue
		}
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		expr := `(?i)(^|[^\w-])` + strings.Join(words, `\s+`)
		if len(words) == 1 {
			expr += `($|[^a-z0-9])`
		}
		p.blocked = append(p.blocked, blockedPattern{entry: b, re: regexp.MustCompile(expr)})
	}
}

type blockedPattern struct {
	entry string
	re    *regexp.Regexp
}

// Verdict is the outcome of a pre-check.
type Verdict struct {
	Allowed  bool
	Reason   string
	Advisory []string // matched advisory patterns
}

// Check scans text for blocked substrings, denied commands and dangerous
// pipelines. shell marks text that will be run by a shell, which enables
// the per-segment command check.
func (p *Policy) Check(text string, shell bool) Verdict {
	for _, b := range p.blocked {
		if b.re.MatchString(text) {
			return Verdict{Reason: fmt.Sprintf("blocked command detected: %s", b.entry)}
		}
	}
	if shell {
		for _, re := range DangerousPipePatterns {
			if re.MatchString(text) {
				return Verdict{Reason: fmt.Sprintf("dangerous pipe pattern detected: %s", re.String())}
			}
		}
		for _, line := range strings.Split(text, "\n") {
			for _, seg := range splitCommandSegments(line) {
				base := extractBaseCommand(seg)
				for _, denied := range p.DeniedCommands {
					if base == denied {
						return Verdict{Reason: fmt.Sprintf("command '%s' is blocked", denied)}
					}
				}
			}
		}
	}

	v := Verdict{Allowed: true}
	lower := strings.ToLower(text)
	for _, a := range p.Advisory {
		if strings.Contains(lower, a) {
			v.Advisory = append(v.Advisory, a)
		}
	}
	return v
}

// extractBaseCommand returns the command word of one segment, skipping an
// env prefix and any path.
func extractBaseCommand(seg string) string {
	words := strings.Fields(seg)
	if len(words) > 0 && words[0] == "env" {
		words = words[1:]
		for len(words) > 0 && strings.Contains(words[0], "=") {
			words = words[1:]
		}
	}
	if len(words) == 0 {
		return ""
	}
	base := words[0]
	if idx := strings.LastIndex(base, "/"); idx != -1 {
		base = base[idx+1:]
	}
	return strings.ToLower(base)
}

// splitCommandSegments splits on unquoted |, ;, && and ||.
func splitCommandSegments(cmd string) []string {
	var segments []string
	var current strings.Builder
	inSingle, inDouble := false, false
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case !inSingle && !inDouble && (strings.HasPrefix(cmd[i:], "&&") || strings.HasPrefix(cmd[i:], "||")):
			flush()
			i++
			continue
		case !inSingle && !inDouble && (c == '|' || c == ';' || c == '&'):
			flush()
			continue
		}
		current.WriteByte(c)
	}
	flush()
	return segments
}
