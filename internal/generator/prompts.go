package generator

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// ErrUnknownPrompt is returned when the catalogue has no prompt for a key.
var ErrUnknownPrompt = errors.New("unknown prompt")

// PromptData is the template input of every prompt.
type PromptData struct {
	Input     string
	Context   string
	Framework string
	// Problem is set only when rendering the repair note.
	Problem string
}

type promptFile struct {
	Repair  string `yaml:"repair"`
	Prompts map[string]struct {
		System string `yaml:"system"`
		User   string `yaml:"user"`
	} `yaml:"prompts"`
}

type promptPair struct {
	system *template.Template
	user   *template.Template
}

// Catalog holds the compiled prompt templates.
type Catalog struct {
	prompts map[string]promptPair
	repair  *template.Template
}

// LoadCatalog parses a YAML prompt catalogue.
func LoadCatalog(data []byte) (*Catalog, error) {
	var f promptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing prompt catalogue: %w", err)
	}
	if len(f.Prompts) == 0 {
		return nil, errors.New("prompt catalogue has no prompts")
	}

	c := &Catalog{prompts: make(map[string]promptPair, len(f.Prompts))}
	for key, p := range f.Prompts {
		sys, err := template.New(key + ".system").Option("missingkey=error").Parse(p.System)
		if err != nil {
			return nil, fmt.Errorf("prompt %s system: %w", key, err)
		}
		usr, err := template.New(key + ".user").Option("missingkey=error").Parse(p.User)
		if err != nil {
			return nil, fmt.Errorf("prompt %s user: %w", key, err)
		}
		c.prompts[key] = promptPair{system: sys, user: usr}
	}

	repair := f.Repair
	if repair == "" {
		repair = "{{.Problem}}"
	}
	t, err := template.New("repair").Parse(repair)
	if err != nil {
		return nil, fmt.Errorf("repair prompt: %w", err)
	}
	c.repair = t
	return c, nil
}

// DefaultCatalog returns the embedded catalogue.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return c
}

// Render executes the system and user templates stored under key.
func (c *Catalog) Render(key string, data PromptData) (system, user string, err error) {
	p, ok := c.prompts[key]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPrompt, key)
	}
	var sb, ub strings.Builder
	if err := p.system.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("rendering %s system prompt: %w", key, err)
	}
	if err := p.user.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("rendering %s user prompt: %w", key, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

// Repair renders the note appended to a prompt after unparsable output.
func (c *Catalog) Repair(problem string) string {
	var b strings.Builder
	if err := c.repair.Execute(&b, PromptData{Problem: problem}); err != nil {
		return problem
	}
	return strings.TrimSpace(b.String())
}

// Has reports whether the catalogue defines key.
func (c *Catalog) Has(key string) bool {
	_, ok := c.prompts[key]
	return ok
}
