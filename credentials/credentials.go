// Package credentials loads secrets from a credentials.toml file kept
// outside the main configuration.
//
// The file holds one table per secret owner:
//
//	[llm]
//	api_key = "..."      # any model provider
//
//	[anthropic]
//	api_key = "..."      # overrides [llm] for one provider
//
//	[nats]
//	token = "..."
package credentials

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the credentials file searched for in the standard locations.
const FileName = "credentials.toml"

// ErrInsecurePermissions is returned when the file is readable by group or others.
var ErrInsecurePermissions = errors.New("credentials file has insecure permissions")

// Credentials holds the secrets found in one file. A nil *Credentials is
// valid and holds nothing.
type Credentials struct {
	Path string

	llm       string
	providers map[string]string
	natsToken string
}

// StandardPaths returns the lookup order: working directory, then
// ~/.config/taskforge, then ~/.taskforge.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "taskforge", FileName),
			filepath.Join(home, ".taskforge", FileName),
		)
	}
	return paths
}

// Load reads the first file found in paths, or in StandardPaths when none
// are given. No file at all is not an error; the result is nil.
func Load(paths ...string) (*Credentials, error) {
	if len(paths) == 0 {
		paths = StandardPaths()
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}
	return nil, nil
}

// LoadFile reads a specific file. On Unix the file must not be readable
// by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o (want 0600 or 0400)", ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c := &Credentials{Path: path, providers: make(map[string]string)}
	for name, value := range raw {
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if name == "nats" {
			c.natsToken, _ = section["token"].(string)
			continue
		}
		key, _ := section["api_key"].(string)
		if key == "" {
			continue
		}
		if name == "llm" {
			c.llm = key
		} else {
			c.providers[normalize(name)] = key
		}
	}
	return c, nil
}

// APIKey returns the key for provider: its own table first, then [llm].
func (c *Credentials) APIKey(provider string) string {
	if c == nil {
		return ""
	}
	if key := c.providers[normalize(provider)]; key != "" {
		return key
	}
	return c.llm
}

// NATSToken returns the [nats] token.
func (c *Credentials) NATSToken() string {
	if c == nil {
		return ""
	}
	return c.natsToken
}

func normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}
