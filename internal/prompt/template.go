package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Role identifies which voice a template speaks for.
type Role string

const (
	RoleWriter   Role = "writer"
	RoleModifier Role = "modifier"
	RoleReviewer Role = "reviewer"
)

// ContextSection is a conditionally-included block of a rendered template.
// It is included iff the named Condition variable is present and non-empty
// in the render call, with Placeholder substituted by that variable's value.
type ContextSection struct {
	Condition   string `yaml:"condition"`
	Placeholder string `yaml:"placeholder"`
	Text        string `yaml:"text"`
}

// Template is one role's prompt definition, loaded from a YAML file under
// the template tree.
type Template struct {
	ID              string           `yaml:"-"`
	Name            string           `yaml:"name"`
	Role            Role             `yaml:"role"`
	Objective       string           `yaml:"objective"`
	Requirements    []string         `yaml:"requirements"`
	FirstIteration  string           `yaml:"first_iteration"`
	LaterIteration  string           `yaml:"later_iteration"`
	ContextSections []ContextSection `yaml:"context_sections"`
	FinalInstruction string          `yaml:"final_instruction"`
}

func (t *Template) validate() error {
	if strings.TrimSpace(string(t.Role)) == "" {
		return fmt.Errorf("template %q: role line must not be empty", t.ID)
	}
	switch t.Role {
	case RoleWriter, RoleModifier, RoleReviewer:
	default:
		return fmt.Errorf("template %q: unknown role %q", t.ID, t.Role)
	}
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("template %q: name must not be empty", t.ID)
	}
	if strings.TrimSpace(t.Objective) == "" {
		return fmt.Errorf("template %q: objective must not be empty", t.ID)
	}
	return nil
}

// Descriptor is the label-only view of a Template exposed over the API and
// substituted into the "{template_info}" footer.
type Descriptor struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IsDefault       bool   `json:"isDefault"`
	IsValid         bool   `json:"isValid"`
	PlaceholderCount int   `json:"placeholderCount"`
	SectionCount    int    `json:"sectionCount"`
}

func (t *Template) descriptor(isDefault bool) Descriptor {
	placeholders := 0
	for _, s := range t.ContextSections {
		if s.Placeholder != "" {
			placeholders++
		}
	}
	return Descriptor{
		ID:               t.ID,
		Name:             t.Name,
		IsDefault:        isDefault,
		IsValid:          true,
		PlaceholderCount: placeholders,
		SectionCount:     len(t.ContextSections),
	}
}

// compiledDefaults are the built-in templates used when the file tree is
// empty, a file fails validation, or a lookup misses.
var compiledDefaults = map[Role]*Template{
	RoleWriter: {
		ID:        "__default_writer",
		Name:      "默认撰写模板",
		Role:      RoleWriter,
		Objective: "基于给定技术背景撰写一份完整的发明专利申请初稿。",
		Requirements: []string{
			"准确描述技术方案的结构、原理和有益效果",
			"使用规范的专利文本用语",
			"覆盖背景技术、发明内容、具体实施方式",
		},
		FirstIteration:   "这是第一轮撰写，请产出完整初稿。",
		LaterIteration:   "这是后续轮次的修改，请在已有草稿基础上结合审查意见进行修订。",
		FinalInstruction: "请直接输出专利申请文本，不要输出额外的解释说明。",
	},
	RoleModifier: {
		ID:        "__default_modifier",
		Name:      "默认修改模板",
		Role:      RoleModifier,
		Objective: "依据审查意见修订已有专利申请草稿，解决指出的问题。",
		Requirements: []string{
			"逐条回应审查意见中的问题",
			"保持专利文本的术语一致性",
			"不引入与原始技术方案无关的新内容",
		},
		LaterIteration:   "请结合上一轮草稿与审查意见进行修订。",
		FinalInstruction: "请直接输出修订后的完整专利申请文本。",
	},
	RoleReviewer: {
		ID:        "__default_reviewer",
		Name:      "默认审查模板",
		Role:      RoleReviewer,
		Objective: "对当前专利申请草稿进行审查，指出需要改进之处。",
		Requirements: []string{
			"检查权利要求是否清楚、是否得到说明书支持",
			"检查是否存在术语不一致或逻辑缺口",
			"给出具体、可执行的修改建议",
		},
		FinalInstruction: "请以自然语言给出审查意见，不要输出代码或专利正文。",
	},
}

// registry holds the loaded templates for all roles, keyed by template ID.
type registry struct {
	byID map[string]*Template
}

// TemplateRegistry is the read-mostly, atomically-reloadable template store
// described by the Prompt Store & Template Registry component.
type TemplateRegistry struct {
	dir     string
	current atomic.Pointer[registry]
	warn    func(msg string, args ...any)
}

// NewTemplateRegistry loads templates from dir and returns a registry ready
// to serve lookups. dir may not exist, in which case the registry serves
// only compiled-in defaults.
func NewTemplateRegistry(dir string, warn func(msg string, args ...any)) (*TemplateRegistry, error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	r := &TemplateRegistry{dir: dir, warn: warn}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the template tree and atomically swaps it in. Templates
// failing validation are skipped with a warning rather than aborting the
// reload.
func (r *TemplateRegistry) Reload() error {
	reg := &registry{byID: make(map[string]*Template)}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.current.Store(reg)
			return nil
		}
		return fmt.Errorf("read template dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		id := strings.TrimSuffix(name, filepath.Ext(name))
		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.warn("skipping unreadable template", "id", id, "error", err)
			continue
		}
		tmpl := &Template{ID: id}
		if err := yaml.Unmarshal(data, tmpl); err != nil {
			r.warn("skipping invalid template yaml", "id", id, "error", err)
			continue
		}
		if err := tmpl.validate(); err != nil {
			r.warn("skipping invalid template", "id", id, "error", err)
			continue
		}
		reg.byID[id] = tmpl
	}

	r.current.Store(reg)
	return nil
}

// Lookup returns the template for id, or (nil, false) if it is unknown.
func (r *TemplateRegistry) Lookup(id string) (*Template, bool) {
	reg := r.current.Load()
	if reg == nil {
		return nil, false
	}
	t, ok := reg.byID[id]
	return t, ok
}

// ForRole returns the best template for role: the explicitly requested
// templateID if it is valid and matches role, else the compiled-in default
// for that role.
func (r *TemplateRegistry) ForRole(role Role, templateID string) *Template {
	if templateID != "" {
		if t, ok := r.Lookup(templateID); ok && t.Role == role {
			return t
		}
	}
	return compiledDefaults[role]
}

// Descriptors lists every loaded template plus the compiled-in defaults, for
// the templates listing endpoint.
func (r *TemplateRegistry) Descriptors() []Descriptor {
	reg := r.current.Load()
	var out []Descriptor
	if reg != nil {
		ids := make([]string, 0, len(reg.byID))
		for id := range reg.byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, reg.byID[id].descriptor(false))
		}
	}
	for _, role := range []Role{RoleWriter, RoleModifier, RoleReviewer} {
		out = append(out, compiledDefaults[role].descriptor(true))
	}
	return out
}

// Describe resolves id to a Descriptor for the "{template_info}" footer. ok
// is false when id matches nothing, including the compiled-in defaults.
func (r *TemplateRegistry) Describe(id string) (Descriptor, bool) {
	if t, ok := r.Lookup(id); ok {
		return t.descriptor(false), true
	}
	for _, t := range compiledDefaults {
		if t.ID == id {
			return t.descriptor(true), true
		}
	}
	return Descriptor{}, false
}
