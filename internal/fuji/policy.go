// Package fuji implements the FUJI safety gate: the layered admission check
// every decision passes before it is sealed and returned. Five layers run in
// order — keyword/pattern matching, the optional safety-head classifier,
// declarative policy rules, the evidence gate, and PII detection — and their
// proposals aggregate into a single FujiDecision under coerced invariants.
//
// The gate is driven by an immutable Policy value. Policies load from JSON,
// are validated against an embedded JSON Schema, and hot-reload atomically
// when the backing file's content hash changes.
package fuji

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashita-ai/veritas/internal/model"
)

//go:embed schema.json
var policySchemaJSON string

//go:embed default_policy.json
var defaultPolicyJSON []byte

const policySchemaURL = "https://veritas.schemas.local/fuji/policy.schema.json"

// policySchema is compiled once; the schema is embedded and static.
var policySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchemaJSON)); err != nil {
		panic(fmt.Sprintf("fuji: add policy schema resource: %v", err))
	}
	compiled, err := c.Compile(policySchemaURL)
	if err != nil {
		panic(fmt.Sprintf("fuji: compile policy schema: %v", err))
	}
	return compiled
}

// Weights are the aggregation weights of the three risk-scoring layers.
type Weights struct {
	Keyword float64 `json:"keyword"`
	Head    float64 `json:"head"`
	Policy  float64 `json:"policy"`
}

// CategoryRule is one declarative policy category. Keywords match as
// case-insensitive substrings; patterns are compiled regular expressions.
// Risk is the score the category contributes when matched; MaxRiskAllow is
// the ceiling above which ActionOnExceed is proposed.
type CategoryRule struct {
	Name             string               `json:"name"`
	Keywords         []string             `json:"keywords,omitempty"`
	Patterns         []string             `json:"patterns,omitempty"`
	Risk             float64              `json:"risk"`
	MaxRiskAllow     float64              `json:"max_risk_allow"`
	ActionOnExceed   model.InternalStatus `json:"action_on_exceed"`
	SafeInstructions []string             `json:"safe_instructions,omitempty"`

	compiled []*regexp.Regexp
}

// Match reports whether text trips this category, and how.
func (r *CategoryRule) Match(text string) (keyword bool, pattern bool) {
	lower := strings.ToLower(text)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			keyword = true
			break
		}
	}
	for _, re := range r.compiled {
		if re.MatchString(text) {
			pattern = true
			break
		}
	}
	return keyword, pattern
}

// Policy is an immutable, validated gate configuration. Values are shared
// across goroutines after construction and must never be mutated.
type Policy struct {
	Version       int                  `json:"version"`
	Weights       Weights              `json:"weights"`
	MinEvidence   int                  `json:"min_evidence"`
	PIIConfidence float64              `json:"pii_confidence"`
	HardBlock     []model.ViolationTag `json:"hard_block,omitempty"`
	Categories    []CategoryRule       `json:"categories"`

	hash      string
	hardBlock map[model.ViolationTag]bool
}

// Hash returns the SHA-256 of the policy's source document.
func (p *Policy) Hash() string { return p.hash }

// IsHardBlock reports whether tag is in the configured hard-block set.
func (p *Policy) IsHardBlock(tag model.ViolationTag) bool { return p.hardBlock[tag] }

// ParsePolicy validates raw against the embedded schema, compiles category
// patterns, applies defaults for omitted fields, and returns the immutable
// policy. The content hash is computed over raw as given.
func ParsePolicy(raw []byte) (*Policy, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("fuji: decode policy: %w", err)
	}
	if err := policySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("fuji: policy schema validation: %w", err)
	}

	p := &Policy{
		// Defaults for omitted optional fields; the schema has already
		// bounded everything that is present.
		Weights:       Weights{Keyword: 0.2, Head: 0.5, Policy: 0.3},
		MinEvidence:   2,
		PIIConfidence: 0.85,
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("fuji: decode policy: %w", err)
	}

	if sum := p.Weights.Keyword + p.Weights.Head + p.Weights.Policy; math.Abs(sum-1) > 0.01 {
		return nil, fmt.Errorf("fuji: layer weights must sum to 1, got %.3f", sum)
	}

	seen := map[string]bool{}
	for i := range p.Categories {
		cat := &p.Categories[i]
		if seen[cat.Name] {
			return nil, fmt.Errorf("fuji: duplicate policy category %q", cat.Name)
		}
		seen[cat.Name] = true
		if cat.Risk == 0 {
			cat.Risk = 0.5
		}
		if cat.ActionOnExceed == "" {
			cat.ActionOnExceed = model.InternalHumanReview
		}
		for _, pat := range cat.Patterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("fuji: category %q pattern %q: %w", cat.Name, pat, err)
			}
			cat.compiled = append(cat.compiled, re)
		}
	}

	p.hardBlock = make(map[model.ViolationTag]bool, len(p.HardBlock))
	for _, tag := range p.HardBlock {
		p.hardBlock[tag] = true
	}

	sum := sha256.Sum256(raw)
	p.hash = hex.EncodeToString(sum[:])
	return p, nil
}

// DefaultPolicy returns the built-in policy. The embedded document goes
// through the same parse-and-validate path as operator files; it is static,
// so a failure here is a programming error.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyJSON)
	if err != nil {
		panic(fmt.Sprintf("fuji: built-in policy invalid: %v", err))
	}
	return p
}
