package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gofhirpath/engine/pkg/fhirpath/eval"
)

// TerminologyService resolves ValueSet membership for the memberOf()
// builtin. Implementations may call out to a remote terminology server or,
// as LocalValueSetIndex does, answer from a preloaded code table.
type TerminologyService interface {
	MemberOf(ctx context.Context, system, code, version, valueSetURL string) (bool, error)
}

// terminologyAdapter lets any fhirpath.TerminologyService satisfy the
// package-internal eval.TerminologyService the evaluator calls, mirroring
// resolverAdapter's split between the engine-facing and evaluator-facing
// interfaces.
type terminologyAdapter struct {
	service TerminologyService
}

func newTerminologyAdapter(t TerminologyService) *terminologyAdapter {
	return &terminologyAdapter{service: t}
}

func (a *terminologyAdapter) MemberOf(ctx context.Context, system, code, version, valueSetURL string) (bool, error) {
	return a.service.MemberOf(ctx, system, code, version, valueSetURL)
}

var _ eval.TerminologyService = (*terminologyAdapter)(nil)

// LocalValueSetIndex is a TerminologyService backed by CodeSystem/ValueSet
// resources loaded from a FHIR Bundle, for callers that want memberOf() to
// work against a fixed, locally held terminology snapshot rather than a
// remote terminology server.
type LocalValueSetIndex struct {
	mu sync.RWMutex

	// codesBySystem maps a CodeSystem URL to the set of codes it defines.
	codesBySystem map[string]map[string]bool

	// valueSetCodes maps a ValueSet URL to the (system, code) pairs it expands to.
	valueSetCodes map[string]map[codeKey]bool
}

type codeKey struct {
	system string
	code   string
}

// NewLocalValueSetIndex returns an empty index; load it with LoadBundle.
func NewLocalValueSetIndex() *LocalValueSetIndex {
	return &LocalValueSetIndex{
		codesBySystem: make(map[string]map[string]bool),
		valueSetCodes: make(map[string]map[codeKey]bool),
	}
}

// LoadBundle indexes the CodeSystem and ValueSet resources found in a FHIR
// Bundle's entries. CodeSystems are indexed first so ValueSets that compose
// from them (rather than carrying a precomputed expansion) can resolve.
func (idx *LocalValueSetIndex) LoadBundle(data []byte) error {
	var bundle struct {
		ResourceType string `json:"resourceType"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}

	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("terminology: parse bundle: %w", err)
	}
	if bundle.ResourceType != "Bundle" {
		return fmt.Errorf("terminology: expected Bundle, got %s", bundle.ResourceType)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, entry := range bundle.Entry {
		if resourceType(entry.Resource) == "CodeSystem" {
			idx.loadCodeSystem(entry.Resource)
		}
	}
	for _, entry := range bundle.Entry {
		if resourceType(entry.Resource) == "ValueSet" {
			idx.loadValueSet(entry.Resource)
		}
	}

	return nil
}

func resourceType(raw json.RawMessage) string {
	var base struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return ""
	}
	return base.ResourceType
}

func (idx *LocalValueSetIndex) loadCodeSystem(raw json.RawMessage) {
	var cs struct {
		URL     string `json:"url"`
		Content string `json:"content"`
		Concept []struct {
			Code    string `json:"code"`
			Concept []struct {
				Code string `json:"code"`
			} `json:"concept,omitempty"`
		} `json:"concept,omitempty"`
	}
	if err := json.Unmarshal(raw, &cs); err != nil || cs.URL == "" {
		return
	}
	if cs.Content != "complete" && cs.Content != "fragment" {
		return
	}

	codes := make(map[string]bool)
	for _, c := range cs.Concept {
		codes[c.Code] = true
		for _, nested := range c.Concept {
			codes[nested.Code] = true
		}
	}
	idx.codesBySystem[cs.URL] = codes
}

func (idx *LocalValueSetIndex) loadValueSet(raw json.RawMessage) {
	var vs struct {
		URL       string `json:"url"`
		Compose   *struct {
			Include []struct {
				System  string `json:"system"`
				Concept []struct {
					Code string `json:"code"`
				} `json:"concept,omitempty"`
			} `json:"include"`
		} `json:"compose,omitempty"`
		Expansion *struct {
			Contains []struct {
				System string `json:"system"`
				Code   string `json:"code"`
			} `json:"contains"`
		} `json:"expansion,omitempty"`
	}
	if err := json.Unmarshal(raw, &vs); err != nil || vs.URL == "" {
		return
	}

	codes := make(map[codeKey]bool)

	if vs.Expansion != nil {
		for _, c := range vs.Expansion.Contains {
			codes[codeKey{c.System, c.Code}] = true
		}
	} else if vs.Compose != nil {
		for _, include := range vs.Compose.Include {
			if len(include.Concept) > 0 {
				for _, c := range include.Concept {
					codes[codeKey{include.System, c.Code}] = true
				}
				continue
			}
			for code := range idx.codesBySystem[include.System] {
				codes[codeKey{include.System, code}] = true
			}
		}
	}

	if len(codes) > 0 {
		idx.valueSetCodes[vs.URL] = codes
	}
}

// MemberOf implements TerminologyService. A version suffix on the ValueSet
// URL (e.g. "...|4.0.1") is stripped before lookup; an unknown ValueSet
// reports no membership rather than an error, matching the engine's
// library-wide "bad conversion yields empty/false" failure policy.
func (idx *LocalValueSetIndex) MemberOf(_ context.Context, system, code, _ string, valueSetURL string) (bool, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	url := valueSetURL
	if i := strings.Index(url, "|"); i != -1 {
		url = url[:i]
	}

	codes, ok := idx.valueSetCodes[url]
	if !ok {
		slog.Default().Warn("memberOf: ValueSet not loaded, falling back to non-member",
			"valueSetURL", url, "system", system, "code", code)
		return false, nil
	}

	if system != "" {
		return codes[codeKey{system, code}], nil
	}
	for key := range codes {
		if key.code == code {
			return true, nil
		}
	}
	return false, nil
}
