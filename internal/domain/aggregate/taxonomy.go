package aggregate

import (
	"fmt"
	"slices"
	"strings"
)

// UnassignedSubject collects topics the taxonomy does not place in a subject.
const UnassignedSubject = "unassigned"

// TaxonomyConfig is the raw topic mapping loaded from configuration.
type TaxonomyConfig struct {
	// Subjects maps a canonical topic key to its subject key.
	Subjects map[string]string `koanf:"subjects"`
	// Aliases maps a legacy topic key to its canonical key.
	Aliases map[string]string `koanf:"aliases"`
	// Broad maps a broad topic key to the specific topics it covers.
	Broad map[string][]string `koanf:"broad"`
}

// Resolution is the outcome of resolving a topic key. It is either Direct or Derived.
type Resolution interface {
	resolution()
}

// Direct resolves to a single canonical topic. Legacy aliases resolve here too.
type Direct struct {
	Key string
}

// Derived resolves a broad key to the specific topics its ability is computed from.
type Derived struct {
	From string
	To   []string
}

func (Direct) resolution()  {}
func (Derived) resolution() {}

// Taxonomy normalises topic keys and places topics into subjects.
// It is immutable once built.
type Taxonomy struct {
	subjects map[string]string
	aliases  map[string]string
	broad    map[string][]string
}

// NewTaxonomy validates cfg and builds a Taxonomy from it.
func NewTaxonomy(cfg TaxonomyConfig) (*Taxonomy, error) {
	t := &Taxonomy{
		subjects: make(map[string]string, len(cfg.Subjects)),
		aliases:  make(map[string]string, len(cfg.Aliases)),
		broad:    make(map[string][]string, len(cfg.Broad)),
	}
	for legacy, canonical := range cfg.Aliases {
		legacy, canonical = normalize(legacy), normalize(canonical)
		if legacy == "" || canonical == "" || legacy == canonical {
			return nil, fmt.Errorf("%w: alias %q -> %q", ErrInvalidTaxonomy, legacy, canonical)
		}
		t.aliases[legacy] = canonical
	}
	for legacy, canonical := range t.aliases {
		if _, chained := t.aliases[canonical]; chained {
			return nil, fmt.Errorf("%w: alias %q points at alias %q", ErrInvalidTaxonomy, legacy, canonical)
		}
	}
	for topic, subject := range cfg.Subjects {
		t.subjects[t.Canonical(topic)] = normalize(subject)
	}
	for from, to := range cfg.Broad {
		from = normalize(from)
		if _, isAlias := t.aliases[from]; isAlias {
			return nil, fmt.Errorf("%w: broad key %q is also an alias", ErrInvalidTaxonomy, from)
		}
		specific := make([]string, 0, len(to))
		for _, k := range to {
			k = t.Canonical(k)
			if k == "" || k == from {
				return nil, fmt.Errorf("%w: broad key %q expands to %q", ErrInvalidTaxonomy, from, k)
			}
			if !slices.Contains(specific, k) {
				specific = append(specific, k)
			}
		}
		if len(specific) == 0 {
			return nil, fmt.Errorf("%w: broad key %q expands to nothing", ErrInvalidTaxonomy, from)
		}
		slices.Sort(specific)
		t.broad[from] = specific
	}
	return t, nil
}

// EmptyTaxonomy resolves every key to itself and places every topic in UnassignedSubject.
func EmptyTaxonomy() *Taxonomy {
	t, _ := NewTaxonomy(TaxonomyConfig{})
	return t
}

// Canonical returns the canonical form of a topic key.
func (t *Taxonomy) Canonical(key string) string {
	key = normalize(key)
	if c, ok := t.aliases[key]; ok {
		return c
	}
	return key
}

// Resolve maps key to a Direct or Derived resolution.
func (t *Taxonomy) Resolve(key string) Resolution {
	key = normalize(key)
	if to, ok := t.broad[key]; ok {
		return Derived{From: key, To: slices.Clone(to)}
	}
	return Direct{Key: t.Canonical(key)}
}

// SubjectOf returns the subject a topic belongs to.
func (t *Taxonomy) SubjectOf(topic string) string {
	if s, ok := t.subjects[t.Canonical(topic)]; ok && s != "" {
		return s
	}
	return UnassignedSubject
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
