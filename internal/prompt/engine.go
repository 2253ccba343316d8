package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// marker is the literal substring a custom prompt uses to request inline
// draft substitution (§4.3 selection policy, step 1).
const marker = "</text>"

// ErrPromptTooLarge is returned when assembled prompt text still exceeds
// MaxInputLength after the full truncation cascade has been applied.
var ErrPromptTooLarge = errors.New("PromptTooLarge")

// Engine builds the final prompt text sent to the LLM Gateway, applying the
// user-custom / template selection policy and the input-size budget.
type Engine struct {
	templates      *TemplateRegistry
	userPrompts    *UserPromptStore
	maxInputLength int
}

// NewEngine constructs a prompt Engine.
func NewEngine(templates *TemplateRegistry, userPrompts *UserPromptStore, maxInputLength int) *Engine {
	return &Engine{templates: templates, userPrompts: userPrompts, maxInputLength: maxInputLength}
}

// BuildInput carries every variable the Prompt Engine's render may need. Not
// every field applies to every role; see the variable table.
type BuildInput struct {
	Role            Role
	Iteration       int
	TotalIterations int
	Context         string
	PreviousDraft   string
	PreviousReview  string
	CurrentDraft    string
	TemplateID      string
}

// Build assembles the prompt text for one round, following the selection
// policy: custom-with-marker, custom-without-marker, then template-based.
func (e *Engine) Build(in BuildInput) (string, error) {
	rec := e.userPrompts.Get()

	var text string
	if rec.hasCustom(in.Role) {
		text = e.buildCustom(rec.forRole(in.Role), in)
	} else {
		text = e.buildFromTemplate(in)
	}

	return e.enforceBudget(text, in)
}

// relevantDraft returns the draft text a custom prompt's marker or dynamic
// context block substitutes: previous_draft for the modifier role, current
// draft for the reviewer role. Writer round 1 has no draft to substitute.
func relevantDraft(in BuildInput) string {
	switch in.Role {
	case RoleModifier:
		return in.PreviousDraft
	case RoleReviewer:
		return in.CurrentDraft
	default:
		return ""
	}
}

func (e *Engine) buildCustom(custom string, in BuildInput) string {
	draft := relevantDraft(in)

	if strings.Contains(custom, marker) {
		text := strings.ReplaceAll(custom, marker, draft)
		return substituteVariables(text, in)
	}

	var sb strings.Builder
	sb.WriteString(custom)
	if draft != "" {
		sb.WriteString("\n\n--- dynamic context ---\n")
		sb.WriteString(draft)
		sb.WriteString("\n--- end dynamic context ---\n")
	}
	return substituteVariables(sb.String(), in)
}

// substituteVariables replaces {{name}} markers with flat string
// substitution, never via text/template.Execute: custom prompts are
// untrusted free text and must not be parsed as template syntax.
func substituteVariables(text string, in BuildInput) string {
	vars := map[string]string{
		"context":          in.Context,
		"previous_draft":   in.PreviousDraft,
		"previous_review":  in.PreviousReview,
		"current_draft":    in.CurrentDraft,
		"iteration":        fmt.Sprintf("%d", in.Iteration),
		"total_iterations": fmt.Sprintf("%d", in.TotalIterations),
		"template_id":      in.TemplateID,
	}
	for name, val := range vars {
		text = strings.ReplaceAll(text, "{{"+name+"}}", val)
	}
	return text
}

func (e *Engine) buildFromTemplate(in BuildInput) string {
	tmpl := e.templates.ForRole(in.Role, in.TemplateID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "角色: %s\n目标: %s\n\n", tmpl.Name, tmpl.Objective)
	if len(tmpl.Requirements) > 0 {
		sb.WriteString("要求:\n")
		for i, req := range tmpl.Requirements {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, req)
		}
		sb.WriteString("\n")
	}

	if in.Iteration <= 1 {
		if tmpl.FirstIteration != "" {
			sb.WriteString(tmpl.FirstIteration)
			sb.WriteString("\n\n")
		}
	} else if tmpl.LaterIteration != "" {
		sb.WriteString(tmpl.LaterIteration)
		sb.WriteString("\n\n")
	}

	condVars := map[string]string{
		"context":          in.Context,
		"previous_draft":   in.PreviousDraft,
		"previous_review":  in.PreviousReview,
		"current_draft":    in.CurrentDraft,
	}
	for _, section := range tmpl.ContextSections {
		val := condVars[section.Condition]
		if strings.TrimSpace(val) == "" {
			continue
		}
		rendered := renderSection(section, val)
		rendered = filterForbidden(rendered)
		sb.WriteString(rendered)
		sb.WriteString("\n\n")
	}

	if in.TemplateID != "" {
		sb.WriteString(templateInfoFooter(e.templates, in.TemplateID))
		sb.WriteString("\n\n")
	}

	if tmpl.FinalInstruction != "" {
		sb.WriteString(tmpl.FinalInstruction)
	}

	return sb.String()
}

// renderSection substitutes section.Placeholder with value using
// text/template, so a section's Text may use {{if}}/{{with}} control
// structures as well as plain substitution — the template source is the
// trusted, compiled-in (or validated-at-load) template tree, never
// untrusted user input.
func renderSection(section ContextSection, value string) string {
	tmplSrc := section.Text
	if section.Placeholder != "" {
		tmplSrc = strings.ReplaceAll(tmplSrc, section.Placeholder, "{{.Value}}")
	}
	t, err := template.New("section").Parse(tmplSrc)
	if err != nil {
		return section.Text
	}
	var sb strings.Builder
	if err := t.Execute(&sb, struct{ Value string }{Value: value}); err != nil {
		return section.Text
	}
	return sb.String()
}

func templateInfoFooter(templates *TemplateRegistry, templateID string) string {
	if d, ok := templates.Describe(templateID); ok {
		return fmt.Sprintf("使用模板: %s", d.Name)
	}
	return fmt.Sprintf("使用模板ID: %s", templateID)
}

// forbiddenPattern flags generator output that leaked code instead of
// natural-language review guidance.
var forbiddenPattern = regexp.MustCompile("```|\\bfunc \\w+\\(|\\bdef \\w+\\(|\\bclass \\w+|;\\s*$")

func filterForbidden(s string) string {
	if forbiddenPattern.MatchString(s) {
		return ""
	}
	return s
}

// enforceBudget applies the truncation cascade (context, then
// previous_draft, then previous_review, each to 60%) until text fits within
// MaxInputLength, rejecting with ErrPromptTooLarge if it still does not.
func (e *Engine) enforceBudget(text string, in BuildInput) (string, error) {
	if e.maxInputLength <= 0 || len([]rune(text)) <= e.maxInputLength {
		return text, nil
	}

	attempt := in
	steps := []func(*BuildInput) bool{
		func(a *BuildInput) bool { return shrink(&a.Context) },
		func(a *BuildInput) bool { return shrink(&a.PreviousDraft) },
		func(a *BuildInput) bool { return shrink(&a.PreviousReview) },
	}

	for _, step := range steps {
		if !step(&attempt) {
			continue
		}
		var rebuilt string
		rec := e.userPrompts.Get()
		if rec.hasCustom(attempt.Role) {
			rebuilt = e.buildCustom(rec.forRole(attempt.Role), attempt)
		} else {
			rebuilt = e.buildFromTemplate(attempt)
		}
		if len([]rune(rebuilt)) <= e.maxInputLength {
			return rebuilt, nil
		}
		text = rebuilt
	}

	return "", ErrPromptTooLarge
}

// shrink truncates *s to 60% of its rune length in place. Reports whether
// any truncation occurred (false when s was already empty).
func shrink(s *string) bool {
	runes := []rune(*s)
	if len(runes) == 0 {
		return false
	}
	newLen := (len(runes) * 6) / 10
	if newLen >= len(runes) {
		newLen = len(runes) - 1
	}
	*s = string(runes[:newLen])
	return true
}
