// Package prompt renders generation prompts from per content type templates.
//
// Templates use {name} placeholders. A stored template overrides the
// built-in default for its type; deleting it restores the default.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownType is returned when neither the store nor the built-in
	// defaults have a template for the requested type.
	ErrUnknownType = errors.New("unknown template type")

	// ErrInvalidTemplate is returned by Validate.
	ErrInvalidTemplate = errors.New("invalid template")
)

// DefaultSystem is used when a template does not define a system prompt.
const DefaultSystem = "You are an expert SEO copywriter. Reply with the requested text only, without quotes or commentary."

var (
	typePattern        = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)
	placeholderPattern = regexp.MustCompile(`\{[a-z][a-z0-9_]*\}`)
)

// Template is a prompt template for one content type.
type Template struct {
	Type      string    `json:"type"`
	System    string    `json:"system,omitempty"`
	Body      string    `json:"body"`
	Builtin   bool      `json:"builtin"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Validate checks the type identifier and that the body is not empty.
func (t Template) Validate() error {
	if !typePattern.MatchString(t.Type) {
		return fmt.Errorf("%w: type %q must match %s", ErrInvalidTemplate, t.Type, typePattern)
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("%w: body must not be empty", ErrInvalidTemplate)
	}
	return nil
}

// Placeholders returns the distinct placeholder names used by the body.
func (t Template) Placeholders() []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderPattern.FindAllString(t.Body, -1) {
		seen[strings.Trim(m, "{}")] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Render substitutes vars into the body. Placeholders without a value are
// removed, and runs of blank lines left behind are collapsed.
func (t Template) Render(vars map[string]string) string {
	out := placeholderPattern.ReplaceAllStringFunc(t.Body, func(m string) string {
		return strings.TrimSpace(vars[strings.Trim(m, "{}")])
	})

	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

// SystemPrompt returns the template's system prompt or DefaultSystem.
func (t Template) SystemPrompt() string {
	if t.System != "" {
		return t.System
	}
	return DefaultSystem
}

var defaults = map[string]Template{
	"title": {
		Type: "title",
		Body: "Write one SEO-optimized page title of at most 60 characters.\n" +
			"Focus keywords: {keywords}\n\n{content}",
	},
	"description": {
		Type: "description",
		Body: "Write one meta description of at most 160 characters for the page \"{title}\".\n" +
			"Include the focus keywords naturally: {keywords}\n\n{content}",
	},
	"content": {
		Type: "content",
		Body: "Write an SEO-friendly article titled \"{title}\".\n" +
			"Focus keywords: {keywords}\nTone: {tone}\nTarget length: {length} words\n" +
			"Use short paragraphs and H2/H3 subheadings.\n\n{content}",
	},
	"keywords": {
		Type: "keywords",
		Body: "Suggest 10 SEO keywords for the page \"{title}\", most relevant first, " +
			"as a single comma-separated line.\n\n{content}",
	},
	"excerpt": {
		Type: "excerpt",
		Body: "Write a compelling excerpt of at most 55 words for the article \"{title}\".\n\n{content}",
	},
}

// Default returns the built-in template for typ.
func Default(typ string) (Template, bool) {
	t, ok := defaults[typ]
	if ok {
		t.Builtin = true
	}
	return t, ok
}

// DefaultTypes returns the content types that have a built-in template.
func DefaultTypes() []string {
	out := make([]string, 0, len(defaults))
	for k := range defaults {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Store persists custom templates.
type Store interface {
	Get(ctx context.Context, typ string) (Template, bool, error)
	Put(ctx context.Context, t Template) error
	Delete(ctx context.Context, typ string) error
	List(ctx context.Context) ([]Template, error)
}

// Resolve returns the stored template for typ, falling back to the
// built-in default.
func Resolve(ctx context.Context, store Store, typ string) (Template, error) {
	if store != nil {
		t, ok, err := store.Get(ctx, typ)
		if err != nil {
			return Template{}, err
		}
		if ok {
			return t, nil
		}
	}
	if t, ok := Default(typ); ok {
		return t, nil
	}
	return Template{}, fmt.Errorf("prompt: %w: %q", ErrUnknownType, typ)
}

// ListEffective merges stored templates over the built-in defaults.
func ListEffective(ctx context.Context, store Store) ([]Template, error) {
	byType := make(map[string]Template, len(defaults))
	for _, typ := range DefaultTypes() {
		t, _ := Default(typ)
		byType[typ] = t
	}

	stored, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range stored {
		byType[t.Type] = t
	}

	out := make([]Template, 0, len(byType))
	for _, t := range byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}
