package policy

import "strings"

// Augmented is a prompt-prefix value under construction. Prefixes are
// tracked as a set, so injecting the same prefix twice is a no-op and
// idempotence does not depend on substring checks against the base text.
type Augmented struct {
	Base     string
	prefixes []string
	seen     map[string]struct{}
}

func NewAugmented(base string) *Augmented {
	return &Augmented{Base: base, seen: map[string]struct{}{}}
}

// Inject adds prefix ahead of the base prompt. A prefix already injected,
// or already present in the base text, is skipped.
func (a *Augmented) Inject(prefix string) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return
	}
	if _, ok := a.seen[prefix]; ok {
		return
	}
	if strings.Contains(a.Base, prefix) {
		return
	}
	a.seen[prefix] = struct{}{}
	a.prefixes = append(a.prefixes, prefix)
}

// String renders the augmented prompt: injected prefixes in insertion
// order, then the base text.
func (a *Augmented) String() string {
	if len(a.prefixes) == 0 {
		return strings.TrimSpace(a.Base)
	}
	parts := make([]string, 0, len(a.prefixes)+1)
	parts = append(parts, a.prefixes...)
	if base := strings.TrimSpace(a.Base); base != "" {
		parts = append(parts, base)
	}
	return strings.Join(parts, "\n\n")
}
