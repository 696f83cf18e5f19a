//go:build !no_automation

package automation

// ScriptMeta is the YAML header of a script file.
type ScriptMeta struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// Script is one automation script stored as <dir>/<ID>.lua.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // body after the header
	FilePath string     `json:"-"`
}
