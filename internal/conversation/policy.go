package conversation

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/intake/internal/responder"
)

//go:embed policy.yaml
var defaultPolicy []byte

// Contact is a human desk callers can be handed to.
type Contact struct {
	Desk  string `yaml:"desk"`
	Phone string `yaml:"phone"`
	Email string `yaml:"email"`
	Hours string `yaml:"hours"`
}

// Directory maps schema branches to the desk that handles them.
type Directory struct {
	Default  Contact            `yaml:"default"`
	Branches map[string]Contact `yaml:"branches"`
}

// Lookup returns the desk for a branch, falling back to the default desk.
func (d Directory) Lookup(branch string) Contact {
	if c, ok := d.Branches[branch]; ok && c.Desk != "" {
		return c
	}
	return d.Default
}

type policyDocument struct {
	Persona           string            `yaml:"persona"`
	EscalationPhrases []string          `yaml:"escalation_phrases"`
	Fallbacks         map[string]string `yaml:"fallbacks"`
	Handoff           Directory         `yaml:"handoff"`
}

// Policy is the conversation configuration: tone, escalation triggers and the
// hand-off directory.
type Policy struct {
	Persona   string
	Fallbacks map[responder.Intent]string
	Handoff   Directory
	phrases   []*regexp.Regexp
}

func ParsePolicy(data []byte) (*Policy, error) {
	var doc policyDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if doc.Handoff.Default.Desk == "" {
		return nil, fmt.Errorf("policy: handoff.default.desk is required")
	}

	p := &Policy{
		Persona:   strings.TrimSpace(doc.Persona),
		Fallbacks: map[responder.Intent]string{},
		Handoff:   doc.Handoff,
	}
	for _, expr := range doc.EscalationPhrases {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("policy: escalation phrase %q: %w", expr, err)
		}
		p.phrases = append(p.phrases, re)
	}
	for k, v := range doc.Fallbacks {
		p.Fallbacks[responder.Intent(k)] = v
	}
	return p, nil
}

func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// DefaultPolicy returns the embedded policy.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicy)
	if err != nil {
		panic(err)
	}
	return p
}

// WantsHuman reports whether the caller explicitly asked for a person.
func (p *Policy) WantsHuman(text string) bool {
	for _, re := range p.phrases {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ResponderConfig is the reply generator configuration derived from the policy.
func (p *Policy) ResponderConfig() responder.Config {
	return responder.Config{Persona: p.Persona, Fallbacks: p.Fallbacks}
}
