//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerSaveGetList(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Porch Light", Description: "on at dusk", Enabled: true},
		LuaCode: `homescript.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "porch_light" {
		t.Errorf("id = %q, want porch_light", saved.ID)
	}

	got, err := m.Get("porch_light")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != `homescript.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}

	dup, err := m.Save(&Script{Meta: ScriptMeta{Name: "Porch Light"}})
	if err != nil {
		t.Fatal(err)
	}
	if dup.ID != "porch_light_1" {
		t.Errorf("duplicate id = %q, want porch_light_1", dup.ID)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 2 {
		t.Errorf("list count = %d, want 2", len(scripts))
	}
}

func TestManagerNotFound(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Get("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get error = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete("missing"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Delete error = %v, want ErrScriptNotFound", err)
	}

	saved, _ := m.Save(&Script{ID: "gone", Meta: ScriptMeta{Name: "Gone"}})
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("gone"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get after delete = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerRejectsUnsafeIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) accepted", id)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) accepted", id)
		}
	}
}

func TestReadScriptFile(t *testing.T) {
	m := newTestManager(t)
	files := map[string]string{
		"den.lua": `--[[
name: Den Lamp
description: follow the fan
enabled: true
]]

homescript.on({name="Fan", characteristic="On"}, function(ev)
    homescript.set("Lamp", "Den", "Lake House", "Lightbulb 1a2b", "On", ev.value)
end)
`,
		"bare.lua":   "homescript.log('x')\n",
		"broken.lua": "--[[\nname: [unclosed\n",
		"notes.txt":  "not a script",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(m.Dir(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := m.Get("den")
	if err != nil {
		t.Fatal(err)
	}
	want := ScriptMeta{Name: "Den Lamp", Description: "follow the fan", Enabled: true}
	if s.Meta != want {
		t.Errorf("meta = %+v, want %+v", s.Meta, want)
	}
	if !strings.HasPrefix(s.LuaCode, "homescript.on(") {
		t.Errorf("lua_code = %q, want header and blank lines stripped", s.LuaCode)
	}

	bare, err := m.Get("bare")
	if err != nil {
		t.Fatal(err)
	}
	if bare.Meta.Name != "bare" || bare.Meta.Enabled {
		t.Errorf("bare meta = %+v, want name from id, disabled", bare.Meta)
	}

	if _, err := m.Get("broken"); err == nil || errors.Is(err, ErrScriptNotFound) {
		t.Errorf("Get(broken) err = %v, want header error", err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "bare,den" {
		t.Errorf("list ids = %v, want [bare den]", ids)
	}
}

func TestEncodeDecodeScript(t *testing.T) {
	in := &Script{
		Meta:    ScriptMeta{Name: "T", Enabled: true},
		LuaCode: `homescript.log("hi")`,
	}
	data, err := encodeScript(in)
	if err != nil {
		t.Fatal(err)
	}
	want := "--[[\nname: T\nenabled: true\n]]\n\nhomescript.log(\"hi\")\n"
	if string(data) != want {
		t.Errorf("encoded = %q, want %q", data, want)
	}

	out, err := decodeScript(data)
	if err != nil {
		t.Fatal(err)
	}
	if out.Meta != in.Meta || out.LuaCode != in.LuaCode {
		t.Errorf("decoded = %+v", out)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Porch Light", "porch_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
