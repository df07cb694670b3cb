// Package prompts is the registry of LLM prompt templates with persisted
// user overrides.
package prompts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

// Prompt keys.
const (
	KeyDigestSummary  = "digest_summary"
	KeyTopicNaming    = "topic_naming_hybrid"
	KeyClusteringPure = "clustering_pure_llm"
)

// Prompt is one resolved prompt: the default, possibly with a user
// override applied on top.
type Prompt struct {
	Key         string   `json:"key"`
	Description string   `json:"description"`
	Template    string   `json:"template"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	Variables   []string `json:"variables"`
	Custom      bool     `json:"custom"`
}

var defaults = map[string]Prompt{
	KeyDigestSummary: {
		Key:         KeyDigestSummary,
		Description: "Final digest summary over the named topics",
		Template: "You are writing a reading digest. The reader saved articles " +
			"over the past days and they cluster into these topics:\n\n" +
			"{topics_joined}\n\n" +
			"Respond with JSON only, in the form:\n" +
			`{"summary": "...", "highlights": ["..."]}` + "\n" +
			"summary is a flowing overview that connects the topics, names the " +
			"most interesting threads, and points out tensions or contradictions " +
			"between sources. highlights are up to five short standout " +
			"takeaways. Be concrete and skip generic filler.",
		Temperature: 0.4,
		MaxTokens:   900,
		Variables:   []string{"topics_joined"},
	},
	KeyTopicNaming: {
		Key:         KeyTopicNaming,
		Description: "Name one embedding cluster from sampled passages",
		Template: "These passages were grouped together by semantic " +
			"similarity:\n\n{samples_joined}\n\n" +
			"Respond with JSON only, in the form:\n" +
			`{"topic_name": "...", "summary": "...", "key_points": ["..."]}` + "\n" +
			"topic_name is a short name (2-5 words) for the group, summary is " +
			"one sentence describing what the passages share, key_points are " +
			"up to three short takeaways.",
		Temperature: 0.3,
		MaxTokens:   300,
		Variables:   []string{"samples_joined"},
	},
	KeyClusteringPure: {
		Key:         KeyClusteringPure,
		Description: "Cluster chunk summaries without embeddings",
		Template: "Here are {chunk_count} numbered passages from recently " +
			"saved articles:\n\n{summaries_text}\n\n" +
			"Group them into at most {num_clusters} topics. Respond with JSON " +
			"only: a list in the form:\n" +
			`[{"topic_name": "...", "summary": "...", "key_points": ["..."], "chunk_indices": [0, 3]}]` +
			"\nEvery passage index must appear in exactly one topic.",
		Temperature: 0.3,
		MaxTokens:   2000,
		Variables:   []string{"chunk_count", "num_clusters", "summaries_text"},
	},
}

// Store is the persistence the registry needs for overrides.
type Store interface {
	GetCustomPrompt(ctx context.Context, key string) (*store.CustomPrompt, error)
	SaveCustomPrompt(ctx context.Context, p *store.CustomPrompt) error
	DeleteCustomPrompt(ctx context.Context, key string) error
	ListCustomPrompts(ctx context.Context) (map[string]store.CustomPrompt, error)
}

// Registry resolves prompts, merging persisted overrides over defaults.
type Registry struct {
	store Store
}

// NewRegistry builds a Registry over the given store.
func NewRegistry(s Store) *Registry {
	return &Registry{store: s}
}

// Get resolves one prompt. An override replaces template, temperature and
// max tokens; the variable list always comes from the default, since the
// call sites fill exactly those.
func (r *Registry) Get(ctx context.Context, key string) (*Prompt, error) {
	def, ok := defaults[key]
	if !ok {
		return nil, fmt.Errorf("unknown prompt key %q", key)
	}
	p := def

	custom, err := r.store.GetCustomPrompt(ctx, key)
	if err != nil {
		return nil, err
	}
	if custom != nil {
		p.Template = custom.Template
		p.Temperature = custom.Temperature
		p.MaxTokens = custom.MaxTokens
		p.Custom = true
	}
	return &p, nil
}

// Save persists an override for a prompt key.
func (r *Registry) Save(ctx context.Context, key, template string, temperature float64, maxTokens int) error {
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown prompt key %q", key)
	}
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("prompt template must not be empty")
	}
	if temperature == 0 {
		temperature = def.Temperature
	}
	if maxTokens == 0 {
		maxTokens = def.MaxTokens
	}
	return r.store.SaveCustomPrompt(ctx, &store.CustomPrompt{
		Key: key, Template: template, Temperature: temperature, MaxTokens: maxTokens,
	})
}

// Reset removes an override, restoring the default.
func (r *Registry) Reset(ctx context.Context, key string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("unknown prompt key %q", key)
	}
	return r.store.DeleteCustomPrompt(ctx, key)
}

// List returns all prompts in key order, with overrides applied.
func (r *Registry) List(ctx context.Context) ([]Prompt, error) {
	overrides, err := r.store.ListCustomPrompts(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Prompt, 0, len(keys))
	for _, k := range keys {
		p := defaults[k]
		if o, ok := overrides[k]; ok {
			p.Template = o.Template
			p.Temperature = o.Temperature
			p.MaxTokens = o.MaxTokens
			p.Custom = true
		}
		out = append(out, p)
	}
	return out, nil
}

// Render substitutes {name} placeholders in a template. Unknown
// placeholders are left in place so a broken override is visible in the
// output rather than silently dropped.
func Render(template string, vars map[string]string) string {
	out := template
	for name, val := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	return out
}
