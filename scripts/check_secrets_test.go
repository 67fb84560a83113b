// Package main is a secret-leak scanner for guestbookd.
//
// TestNoSecretsInRepo walks the module and fails on any line shaped like a
// credential. Run it before pushing:
//
//	go test ./scripts/ -run TestNoSecretsInRepo -v
//
// Hidden directories, vendor/ and directories the Go tool ignores (leading
// "_") are skipped, as are files that are not plain text.
package main

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rule struct {
	name string
	re   *regexp.Regexp
}

var rules = []rule{
	{"crowdsec lapi key", regexp.MustCompile(`(?i)CROWDSEC_LAPI_KEY\s*=\s*[0-9a-f]{64}`)},
	// A copied reservations.json or a captured cookie hands over every
	// reserved name.
	{"owner token", regexp.MustCompile(`(?i)("ownerToken"\s*:\s*"|ownerToken=)[0-9a-f]{64}`)},
	{"credential assignment", regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|auth)\s*=\s*['"]?[A-Za-z0-9+/\-_]{32,}['"]?`)},
	{"github token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"docker password", regexp.MustCompile(`(?i)DOCKER_PASSWORD\s*=\s*\S+`)},
	{"private key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
}

// benign lines are never reported, whatever rule they match.
var benign = []*regexp.Regexp{
	regexp.MustCompile(`^\s*#`),
	regexp.MustCompile(`_test\.go`),
	regexp.MustCompile(`(?i)test-key|test-api-key|test-lapi-key|"test`),
	regexp.MustCompile(`(?i)your[-_](key|token|password)`),
	regexp.MustCompile(`\$\{[^}]+\}|\$[A-Z_]+`),
	regexp.MustCompile(`\{\{[^}]+\}\}`),
	regexp.MustCompile(`secrets\.[A-Z_]+`),
	regexp.MustCompile(`(?i)example|placeholder|redacted|changeme`),
	regexp.MustCompile(`[xX]{8,}|0{8,}`),
}

var textExts = map[string]bool{
	".go": true, ".yaml": true, ".yml": true, ".toml": true, ".json": true,
	".env": true, ".sh": true, ".bash": true, ".md": true, ".txt": true,
	".dockerfile": true, "": true,
}

type finding struct {
	path string
	line int
	rule string
	text string
}

func (f finding) String() string {
	text := f.text
	if len(text) > 120 {
		text = text[:120] + "..."
	}
	return fmt.Sprintf("  %s:%d [%s]\n    %s", f.path, f.line, f.rule, text)
}

func skipDir(name string) bool {
	if name == "vendor" {
		return true
	}
	return len(name) > 1 && (name[0] == '.' || name[0] == '_')
}

// scanLine returns the names of the rules line trips.
func scanLine(line string) []string {
	for _, re := range benign {
		if re.MatchString(line) {
			return nil
		}
	}
	var hits []string
	for _, r := range rules {
		if r.re.MatchString(line) {
			hits = append(hits, r.name)
		}
	}
	return hits
}

func scanFile(root, path string) ([]finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rel, _ := filepath.Rel(root, path)
	var out []finding
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		for _, name := range scanLine(sc.Text()) {
			out = append(out, finding{path: rel, line: n, rule: name, text: sc.Text()})
		}
	}
	return out, sc.Err()
}

func scanTree(root string) ([]finding, error) {
	var all []finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		found, err := scanFile(root, path)
		if err != nil {
			return nil
		}
		all = append(all, found...)
		return nil
	})
	return all, err
}

// findRepoRoot walks up from start to the directory holding go.mod.
func findRepoRoot(start string) string {
	for dir := start; ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func TestNoSecretsInRepo(t *testing.T) {
	cwd, err := os.Getwd()
	require.NoError(t, err)
	root := findRepoRoot(cwd)
	require.NotEmpty(t, root, "no go.mod above %s", cwd)

	found, err := scanTree(root)
	require.NoError(t, err)
	if len(found) > 0 {
		lines := make([]string, len(found))
		for i, f := range found {
			lines[i] = f.String()
		}
		t.Errorf("%d potential secret leak(s):\n\n%s\n\nRemove the value, rotate the credential and commit a placeholder.",
			len(found), strings.Join(lines, "\n"))
	}
}

// The samples are assembled at run time so this file never holds a literal
// that the repo scan would trip on.
func TestScanLine_Rules(t *testing.T) {
	hex64 := strings.Repeat("3f9a", 16)
	tests := []struct {
		line string
		want string
	}{
		{"CROWDSEC_LAPI_KEY=" + hex64, "crowdsec lapi key"},
		{`{"ownerToken": "` + hex64 + `"}`, "owner token"},
		{"Set-Cookie: ownerToken=" + hex64 + "; Path=/", "owner token"},
		{"gh" + "p_" + strings.Repeat("Ab1", 12), "github token"},
		{"DOCKER_" + "PASSWORD=hunter2", "docker password"},
		{"-----BEGIN " + "EC PRIVATE KEY-----", "private key"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Contains(t, scanLine(tc.line), tc.want)
		})
	}
}

func TestScanLine_Benign(t *testing.T) {
	hex64 := strings.Repeat("3f9a", 16)
	for _, line := range []string{
		"# CROWDSEC_LAPI_KEY=" + hex64,
		"CROWDSEC_LAPI_KEY=${CROWDSEC_LAPI_KEY}",
		"DOCKER_" + "PASSWORD=changeme",
		"ownerToken=" + strings.Repeat("0", 64),
		"guestbookd serves a small guestbook",
	} {
		assert.Empty(t, scanLine(line), line)
	}
}

func TestSkipDir(t *testing.T) {
	assert.True(t, skipDir(".git"))
	assert.True(t, skipDir("_examples"))
	assert.True(t, skipDir("vendor"))
	assert.False(t, skipDir("internal"))
	assert.False(t, skipDir("."))
}
