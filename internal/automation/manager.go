//go:build !no_automation

package automation

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrScriptNotFound is returned when no script file exists for an ID.
var ErrScriptNotFound = errors.New("script not found")

const (
	headerOpen  = "--[[\n"
	headerClose = "]]\n"
	scriptExt   = ".lua"
)

// Manager stores scripts as Lua files in one directory. Metadata lives in a
// leading block comment holding YAML:
//
//	--[[
//	name: Porch light
//	enabled: true
//	]]
type Manager struct {
	dir    string
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewManager creates dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(id string) (string, error) {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid script id: %q", id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

// List returns every readable script, ordered by ID. Unreadable files are
// logged and skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	var scripts []*Script
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != scriptExt {
			continue
		}
		s, err := readScript(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("skip script", "file", e.Name(), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

func (m *Manager) Get(id string) (*Script, error) {
	p, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, err := readScript(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s, err
}

// Save writes s, deriving a free ID from its name when s.ID is empty. The
// file is replaced atomically.
func (m *Manager) Save(s *Script) (*Script, error) {
	if s.ID != "" {
		if _, err := m.path(s.ID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	s.FilePath = filepath.Join(m.dir, s.ID+scriptExt)

	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}
	tmp := s.FilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, s.FilePath); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	return s, nil
}

func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+scriptExt)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = base + "_" + strconv.Itoa(n)
	}
}

func (m *Manager) Delete(id string) error {
	p, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
		}
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.ID = strings.TrimSuffix(filepath.Base(path), scriptExt)
	s.FilePath = path
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	return s, nil
}

// decodeScript splits an optional YAML header from the Lua body. Files
// without a header are disabled scripts.
func decodeScript(data []byte) (*Script, error) {
	s := &Script{}
	body := data
	if rest, ok := bytes.CutPrefix(data, []byte(headerOpen)); ok {
		header, after, found := bytes.Cut(rest, []byte("\n"+headerClose))
		if !found {
			return nil, errors.New("unterminated script header")
		}
		if err := yaml.Unmarshal(header, &s.Meta); err != nil {
			return nil, fmt.Errorf("parse script header: %w", err)
		}
		body = after
	}
	s.LuaCode = strings.Trim(string(body), "\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	header, err := yaml.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script header: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerOpen)
	b.Write(header)
	b.WriteString(headerClose)
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.Bytes(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
