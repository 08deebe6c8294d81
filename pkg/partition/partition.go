// Package partition decides which named output chunk a module belongs to.
//
// A Classifier maps a resolved module identifier (a file path) to a chunk
// label. Modules without a label stay in the bundle of the entrypoint that
// imported them. Classification must be a pure function of the identifier so
// that repeated builds group modules the same way and emitted chunk names stay
// cacheable.
package partition

import (
	"errors"
	"fmt"
	"strings"
)

// Label names a shared output chunk.
type Label string

// Unassigned is returned alongside false when no rule matches.
const Unassigned Label = ""

// Classifier maps a module identifier to a label. The boolean is false when
// the module should fall back to the default bundle.
type Classifier interface {
	Classify(id string) (Label, bool)
}

// ClassifierFunc adapts a function to a Classifier.
type ClassifierFunc func(id string) (Label, bool)

func (f ClassifierFunc) Classify(id string) (Label, bool) { return f(id) }

// Rule assigns Label to any identifier containing one of Match.
type Rule struct {
	Label Label    `yaml:"label" json:"label"`
	Match []string `yaml:"match" json:"match"`
}

func (r Rule) matches(id string) bool {
	for _, m := range r.Match {
		if strings.Contains(id, m) {
			return true
		}
	}
	return false
}

// ValidateLabel rejects labels that are empty or that would escape the
// output directory once substituted into a file name template.
func ValidateLabel(l Label) error {
	if l == Unassigned {
		return fmt.Errorf("partition: empty label")
	}
	if strings.ContainsAny(string(l), `/\`) || strings.Contains(string(l), "..") {
		return fmt.Errorf("partition: label %q must not contain path separators or \"..\"", l)
	}
	return nil
}

// Validate rejects rules that could never produce a useful label.
func (r Rule) Validate() error {
	if err := ValidateLabel(r.Label); err != nil {
		return err
	}
	if len(r.Match) == 0 {
		return fmt.Errorf("partition: rule %q has no match strings", r.Label)
	}
	for _, m := range r.Match {
		if m == "" {
			return fmt.Errorf("partition: rule %q has an empty match string", r.Label)
		}
	}
	return nil
}

// Policy is an ordered list of substring rules. The first matching rule wins.
type Policy struct {
	Rules []Rule
}

// NewPolicy returns a policy evaluating rules in the given order.
func NewPolicy(rules ...Rule) *Policy {
	return &Policy{Rules: rules}
}

// Default returns the policy used when the configuration does not override
// the manual chunk rules.
func Default() *Policy {
	return NewPolicy(DefaultRules()...)
}

// DefaultRules splits framework, animation, icon, state, AI client, editor
// and 2D rendering dependencies into their own chunks.
func DefaultRules() []Rule {
	return []Rule{
		{Label: "react-vendor", Match: []string{
			"node_modules/react",
			"node_modules/react-dom",
			"node_modules/react-router",
		}},
		{Label: "animation-vendor", Match: []string{
			"node_modules/framer-motion",
			"node_modules/canvas-confetti",
		}},
		{Label: "ui-vendor", Match: []string{
			"node_modules/lucide-react",
			"node_modules/prism-react-renderer",
		}},
		{Label: "state-vendor", Match: []string{
			"node_modules/zustand",
		}},
		{Label: "ai-vendor", Match: []string{
			"node_modules/@google/generative-ai",
		}},
		{Label: "editor", Match: []string{
			"node_modules/@monaco-editor",
			"node_modules/monaco-editor",
		}},
		{Label: "live2d", Match: []string{
			"pixi",
			"live2d",
		}},
	}
}

// Classify implements Classifier.
func (p *Policy) Classify(id string) (Label, bool) {
	id = normalize(id)
	for _, r := range p.Rules {
		if r.matches(id) {
			return r.Label, true
		}
	}
	return Unassigned, false
}

// Validate checks every rule and reports all failures.
func (p *Policy) Validate() error {
	var errs []error
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func normalize(id string) string {
	return strings.ReplaceAll(id, `\`, "/")
}
