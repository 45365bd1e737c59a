package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadSecretsEnv reads $XDG_CONFIG_HOME/mltaskd/secrets.env (or ~/.config/mltaskd/secrets.env)
// and returns key/value pairs. Lines starting with # are ignored. Format: KEY=VALUE,
// optionally quoted.
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = filepath.Join(ConfigDir(), "secrets.env")
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}
