package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Tunables is the fully-resolved per-call configuration record handed to the
// assembly engine.
type Tunables struct {
	RecencyWindow       int
	SemanticTopN        int
	CompactionThreshold int
	TokenBudget         int
	ModelFamily         string
	TieEpsilon          float64
	SemanticSearch      bool
	MaxSummaries        int
}

func (t Tunables) Validate() error {
	if t.RecencyWindow < 1 {
		return fmt.Errorf("recency_window must be >= 1, got %d", t.RecencyWindow)
	}
	if t.SemanticTopN < 0 {
		return fmt.Errorf("semantic_top_n must be >= 0, got %d", t.SemanticTopN)
	}
	if t.CompactionThreshold <= t.RecencyWindow {
		return fmt.Errorf("compaction_threshold (%d) must exceed recency_window (%d)", t.CompactionThreshold, t.RecencyWindow)
	}
	if t.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", t.TokenBudget)
	}
	if t.TieEpsilon < 0 {
		return fmt.Errorf("tie_epsilon must be >= 0")
	}
	return nil
}

func (e EngineConfig) Tunables() Tunables {
	return Tunables{
		RecencyWindow:       e.RecencyWindow,
		SemanticTopN:        e.SemanticTopN,
		CompactionThreshold: e.CompactionThreshold,
		TokenBudget:         e.TokenBudget,
		ModelFamily:         e.ModelFamily,
		TieEpsilon:          e.TieEpsilon,
		SemanticSearch:      e.SemanticSearch,
		MaxSummaries:        e.MaxSummaries,
	}
}

// Override is a partial Tunables; nil fields inherit from the layer below.
type Override struct {
	Profile             string   `yaml:"profile,omitempty"`
	RecencyWindow       *int     `yaml:"recency_window,omitempty"`
	SemanticTopN        *int     `yaml:"semantic_top_n,omitempty"`
	CompactionThreshold *int     `yaml:"compaction_threshold,omitempty"`
	TokenBudget         *int     `yaml:"token_budget,omitempty"`
	ModelFamily         *string  `yaml:"model_family,omitempty"`
	TieEpsilon          *float64 `yaml:"tie_epsilon,omitempty"`
	SemanticSearch      *bool    `yaml:"semantic_search,omitempty"`
	MaxSummaries        *int     `yaml:"max_summaries,omitempty"`
}

type UserOverride struct {
	Override      `yaml:",inline"`
	Conversations map[string]Override `yaml:"conversations,omitempty"`
}

type profilesFile struct {
	Profiles map[string]Override     `yaml:"profiles"`
	Users    map[string]UserOverride `yaml:"users"`
}

// Profiles resolves tunables by layering: engine defaults, named profile,
// user override, conversation override.
type Profiles struct {
	base     Tunables
	profiles map[string]Override
	users    map[string]UserOverride
	mu       sync.RWMutex
}

func NewProfiles(base Tunables) *Profiles {
	return &Profiles{
		base:     base,
		profiles: map[string]Override{},
		users:    map[string]UserOverride{},
	}
}

// LoadProfiles reads a YAML profiles file. A missing file yields defaults only.
func LoadProfiles(path string, base Tunables) (*Profiles, error) {
	p := NewProfiles(base)
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	if err := p.Parse(data); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse replaces the profile set with the YAML document in data. Every
// reachable combination is validated before the swap.
func (p *Profiles) Parse(data []byte) error {
	var doc profilesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profiles: %w", err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]Override{}
	}
	if doc.Users == nil {
		doc.Users = map[string]UserOverride{}
	}

	candidate := &Profiles{base: p.base, profiles: doc.Profiles, users: doc.Users}
	for name := range doc.Profiles {
		if _, err := candidate.resolveProfile(p.base, name); err != nil {
			return err
		}
	}
	for userID, u := range doc.Users {
		if _, err := candidate.Resolve(userID, ""); err != nil {
			return err
		}
		for convID := range u.Conversations {
			if _, err := candidate.Resolve(userID, convID); err != nil {
				return err
			}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles = doc.Profiles
	p.users = doc.Users
	return nil
}

// Resolve returns the effective tunables for one user and conversation.
func (p *Profiles) Resolve(userID, conversationID string) (Tunables, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t := p.base
	u, ok := p.users[userID]
	if ok {
		var err error
		if t, err = p.resolveProfile(t, u.Profile); err != nil {
			return Tunables{}, err
		}
		t = u.Override.apply(t)
		if conv, ok := u.Conversations[conversationID]; ok && conversationID != "" {
			if t, err = p.resolveProfile(t, conv.Profile); err != nil {
				return Tunables{}, err
			}
			t = conv.apply(t)
		}
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, fmt.Errorf("profile for user %q conversation %q: %w", userID, conversationID, err)
	}
	return t, nil
}

func (p *Profiles) resolveProfile(t Tunables, name string) (Tunables, error) {
	if name == "" {
		return t, nil
	}
	prof, ok := p.profiles[name]
	if !ok {
		return Tunables{}, fmt.Errorf("unknown profile %q", name)
	}
	return prof.apply(t), nil
}

func (o Override) apply(t Tunables) Tunables {
	if o.RecencyWindow != nil {
		t.RecencyWindow = *o.RecencyWindow
	}
	if o.SemanticTopN != nil {
		t.SemanticTopN = *o.SemanticTopN
	}
	if o.CompactionThreshold != nil {
		t.CompactionThreshold = *o.CompactionThreshold
	}
	if o.TokenBudget != nil {
		t.TokenBudget = *o.TokenBudget
	}
	if o.ModelFamily != nil {
		t.ModelFamily = *o.ModelFamily
	}
	if o.TieEpsilon != nil {
		t.TieEpsilon = *o.TieEpsilon
	}
	if o.SemanticSearch != nil {
		t.SemanticSearch = *o.SemanticSearch
	}
	if o.MaxSummaries != nil {
		t.MaxSummaries = *o.MaxSummaries
	}
	return t
}
