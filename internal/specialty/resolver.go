package specialty

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/healthsched/platform/internal/llm"
	"github.com/healthsched/platform/pkg/logging"
)

var tracer = otel.Tracer("healthsched.internal.specialty")

// Resolution statuses.
const (
	StatusSuccess  = "success"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Resolution is the outcome of validating a raw specialty request.
type Resolution struct {
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	ValidatedTerms []string `json:"validated_terms,omitempty"`
}

// Resolver maps colloquial specialty requests ("heart doctor") onto the
// canonical labels in the vocabulary. The model proposes candidates; only
// candidates that are literal members of the vocabulary survive, in the
// vocabulary's stored casing.
type Resolver struct {
	client llm.Client
	model  string
	vocab  *VocabularyCache
	logger *logging.Logger
}

func NewResolver(client llm.Client, model string, vocab *VocabularyCache, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		client: client,
		model:  model,
		vocab:  vocab,
		logger: logger,
	}
}

// Resolve validates rawTerm against the canonical vocabulary.
func (r *Resolver) Resolve(ctx context.Context, rawTerm string) (Resolution, error) {
	ctx, span := tracer.Start(ctx, "specialty.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("healthsched.raw_term", rawTerm))

	rawTerm = strings.TrimSpace(rawTerm)
	if rawTerm == "" {
		return Resolution{
			Status:  StatusNotFound,
			Message: "Please tell me what kind of doctor you're looking for.",
		}, nil
	}

	labels, err := r.vocab.Labels(ctx)
	if err != nil {
		span.RecordError(err)
		return Resolution{
			Status:  StatusError,
			Message: "Sorry, I ran into a problem looking up our specialties.",
		}, err
	}
	if len(labels) == 0 {
		return Resolution{
			Status:  StatusNotFound,
			Message: "We don't seem to have any specialties on file right now.",
		}, nil
	}

	resp, err := r.client.Complete(ctx, llm.Request{
		Model:       r.model,
		Temperature: 0,
		MaxTokens:   512,
		System:      []string{resolverSystemPrompt},
		Messages: []llm.ChatMessage{{
			Role:    llm.ChatRoleUser,
			Content: resolverUserPrompt(rawTerm, labels),
		}},
	})
	if err != nil {
		span.RecordError(err)
		return Resolution{
			Status:  StatusError,
			Message: "Sorry, I couldn't validate that specialty right now. Please try again.",
		}, fmt.Errorf("specialty: resolve %q: %w", rawTerm, err)
	}

	match, err := parseMatchResponse(resp.Text)
	if err != nil {
		span.RecordError(err)
		r.logger.Warn("specialty resolver returned unparseable output", "raw_term", rawTerm, "error", err)
		return Resolution{
			Status:  StatusError,
			Message: "Sorry, I couldn't validate that specialty right now. Please try again.",
		}, err
	}
	if !match.MatchFound {
		return Resolution{
			Status:  StatusNotFound,
			Message: fmt.Sprintf("I'm sorry, I couldn't find a specialty matching '%s'. Could you describe it differently?", rawTerm),
		}, nil
	}

	candidates := make([]string, 0, len(match.Matches))
	for _, m := range match.Matches {
		candidates = append(candidates, m.DatabaseTerm)
	}
	validated := filterToVocabulary(candidates, labels)
	if len(validated) == 0 {
		return Resolution{
			Status:  StatusNotFound,
			Message: fmt.Sprintf("I'm sorry, I couldn't find a specialty matching '%s'. Could you describe it differently?", rawTerm),
		}, nil
	}

	r.logger.Info("specialty resolved", "raw_term", rawTerm, "validated_terms", validated)
	return Resolution{
		Status:         StatusSuccess,
		Message:        fmt.Sprintf("Got it, I'll look for doctors under: %s.", strings.Join(validated, ", ")),
		ValidatedTerms: validated,
	}, nil
}

const resolverSystemPrompt = `You map a patient's description of the kind of doctor they need onto a fixed list of specialty labels.
Respond with ONLY a JSON object of the form {"match_found": <bool>, "matches": [{"database_term": "<label>"}]}.
Every database_term MUST be copied verbatim from the provided list.
If nothing in the list fits, respond with {"match_found": false, "matches": []}.`

func resolverUserPrompt(rawTerm string, labels []string) string {
	var b strings.Builder
	b.WriteString("Patient request: ")
	b.WriteString(rawTerm)
	b.WriteString("\n\nAvailable specialty labels:\n")
	for _, label := range labels {
		b.WriteString("- ")
		b.WriteString(label)
		b.WriteString("\n")
	}
	b.WriteString("\nReturn the match result as a JSON object.")
	return b.String()
}

// matchResponse is the wire shape the matching call must produce: a flag and
// the candidate canonical terms.
type matchResponse struct {
	MatchFound bool `json:"match_found"`
	Matches    []struct {
		DatabaseTerm string `json:"database_term"`
	} `json:"matches"`
}

// parseMatchResponse extracts the match object from model output, which may
// be wrapped in code fences or surrounding prose.
func parseMatchResponse(raw string) (matchResponse, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	if !strings.HasPrefix(raw, "{") {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start >= 0 && end > start {
			raw = raw[start : end+1]
		}
	}

	var match matchResponse
	if err := json.Unmarshal([]byte(raw), &match); err != nil {
		return matchResponse{}, fmt.Errorf("specialty: parse match response: %w", err)
	}
	return match, nil
}

// filterToVocabulary keeps candidates that are case-insensitive members of
// the vocabulary, returned in the vocabulary's stored casing, deduplicated.
func filterToVocabulary(candidates, labels []string) []string {
	canonical := make(map[string]string, len(labels))
	for _, label := range labels {
		canonical[strings.ToLower(strings.TrimSpace(label))] = label
	}

	var validated []string
	seen := make(map[string]bool)
	for _, candidate := range candidates {
		key := strings.ToLower(strings.TrimSpace(candidate))
		label, ok := canonical[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		validated = append(validated, label)
	}
	return validated
}
