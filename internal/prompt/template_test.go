package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewTemplateRegistry_MissingDir(t *testing.T) {
	reg, err := NewTemplateRegistry(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	tmpl := reg.ForRole(RoleWriter, "")
	if tmpl.ID != "__default_writer" {
		t.Errorf("expected compiled-in default, got %q", tmpl.ID)
	}
}

func TestTemplateRegistry_LoadsValidTemplate(t *testing.T) {
	dir := t.TempDir()
	content := `
name: 定制撰写模板
role: writer
objective: 撰写专利初稿
requirements:
  - 结构清晰
`
	if err := os.WriteFile(filepath.Join(dir, "writer_v2.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	reg, err := NewTemplateRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}

	tmpl, ok := reg.Lookup("writer_v2")
	if !ok {
		t.Fatal("expected writer_v2 to be loaded")
	}
	if tmpl.Name != "定制撰写模板" {
		t.Errorf("Name = %q", tmpl.Name)
	}
}

func TestTemplateRegistry_SkipsInvalidTemplate(t *testing.T) {
	dir := t.TempDir()
	// Missing role line -> invalid.
	content := `
name: 无效模板
objective: 测试
`
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var warned bool
	reg, err := NewTemplateRegistry(dir, func(string, ...any) { warned = true })
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	if !warned {
		t.Error("expected a warning for the invalid template")
	}
	if _, ok := reg.Lookup("broken"); ok {
		t.Error("invalid template should not be registered")
	}
	// Falls back to compiled-in default for that role when requested.
	tmpl := reg.ForRole(RoleWriter, "broken")
	if tmpl.ID != "__default_writer" {
		t.Errorf("expected fallback to compiled-in default, got %q", tmpl.ID)
	}
}

func TestTemplateRegistry_ReloadPicksUpNewTemplate(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewTemplateRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	if _, ok := reg.Lookup("writer_v2"); ok {
		t.Fatal("should not exist yet")
	}

	content := `
name: 后加载模板
role: writer
objective: 测试重载
`
	if err := os.WriteFile(filepath.Join(dir, "writer_v2.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := reg.Lookup("writer_v2"); !ok {
		t.Error("expected writer_v2 to be present after reload")
	}
}

func TestTemplateRegistry_Describe(t *testing.T) {
	reg, err := NewTemplateRegistry(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	if _, ok := reg.Describe("missing-id"); ok {
		t.Error("expected Describe to miss for unknown id")
	}
}
