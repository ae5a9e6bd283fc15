package reporting

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"text/template"
)

// TemplateManager holds the named text templates used by the text
// formatter. Templates loaded from disk replace the built-in ones of the same
// name.
type TemplateManager struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

func NewTemplateManager() *TemplateManager {
	return &TemplateManager{
		templates: make(map[string]*template.Template),
	}
}

func (tm *TemplateManager) Register(name, tpl string, funcs template.FuncMap) error {
	t := template.New(name)
	if funcs != nil {
		t = t.Funcs(funcs)
	}
	parsed, err := t.Parse(tpl)
	if err != nil {
		return fmt.Errorf("parse %q: %w", name, err)
	}
	tm.mu.Lock()
	tm.templates[name] = parsed
	tm.mu.Unlock()
	return nil
}

// LoadDir registers every *.tmpl file under dir by its base name without the
// extension.
func (tm *TemplateManager) LoadDir(dir string, funcs template.FuncMap) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(d.Name()) != ".tmpl" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %q: %w", path, err)
		}
		name := d.Name()[:len(d.Name())-len(".tmpl")]
		return tm.Register(name, string(b), funcs)
	})
}

func (tm *TemplateManager) Get(name string) (*template.Template, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.templates[name]
	return t, ok
}
