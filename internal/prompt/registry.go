// Package prompt resolves named, versioned prompt templates and renders
// them into a system+user message pair, grounded in the original's
// PromptTemplate/PromptRegistry (file-backed YAML templates there; a
// fixed in-memory set here, since the wire contract only needs
// name/version lookup and render semantics, not runtime template
// authoring).
package prompt

import (
	"fmt"
	"sort"
	"strings"
)

// Template is one named, versioned prompt.
type Template struct {
	Name    string
	Version string
	System  string
	User    string
}

// Render fills the user template with question/context/history, falling
// back to placeholder text for an empty context or history, mirroring
// PromptTemplate.render.
func (t Template) Render(question, context, history string) (system, user string) {
	if context == "" {
		context = "No additional context provided."
	}
	if history == "" {
		history = "No prior messages."
	}
	rendered := strings.NewReplacer(
		"{question}", question,
		"{context}", context,
		"{history}", history,
	).Replace(t.User)
	return strings.TrimSpace(t.System), strings.TrimSpace(rendered)
}

// Registry resolves templates by name and version.
type Registry struct {
	templates      map[string]map[string]Template
	defaultName    string
	defaultVersion string
}

// defaultSystemPrompt is the system half of the registry's built-in
// "default" template.
const defaultSystemPrompt = "You are a helpful assistant answering questions using the retrieved context provided to you. Cite sources by their bracketed index when relevant."

const defaultUserTemplate = "Context:\n{context}\n\nConversation so far:\n{history}\n\nQuestion: {question}"

// NewDefault builds a Registry seeded with a single "default"/"v1"
// template, the Go port's equivalent of the original's bundled prompt
// file.
func NewDefault() *Registry {
	r := &Registry{
		templates:      make(map[string]map[string]Template),
		defaultName:    "default",
		defaultVersion: "v1",
	}
	r.Register(Template{
		Name:    "default",
		Version: "v1",
		System:  defaultSystemPrompt,
		User:    defaultUserTemplate,
	})
	return r
}

// Register adds or replaces a template under its name/version.
func (r *Registry) Register(t Template) {
	versions, ok := r.templates[t.Name]
	if !ok {
		versions = make(map[string]Template)
		r.templates[t.Name] = versions
	}
	versions[t.Version] = t
}

// Get resolves a template by name/version, per the original's two-tier
// fallback: an empty name resolves to the registry default name; an
// empty version resolves to the default version, then the highest
// lexical version.
func (r *Registry) Get(name, version string) (Template, error) {
	resolvedName := name
	if resolvedName == "" {
		resolvedName = r.defaultName
	}
	versions, ok := r.templates[resolvedName]
	if !ok || len(versions) == 0 {
		return Template{}, fmt.Errorf("prompt: no template registered for name %q", resolvedName)
	}
	if version != "" {
		t, ok := versions[version]
		if !ok {
			return Template{}, fmt.Errorf("prompt: no version %q registered for name %q", version, resolvedName)
		}
		return t, nil
	}
	if t, ok := versions[r.defaultVersion]; ok {
		return t, nil
	}
	keys := make([]string, 0, len(versions))
	for k := range versions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return versions[keys[len(keys)-1]], nil
}
