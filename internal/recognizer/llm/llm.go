// Package llm recognizes PII with an OpenAI-compatible chat model.
//
// The model is asked for the literal entity strings it finds. Every
// occurrence of each string in the document becomes a span, so offsets
// never depend on the model counting characters.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/classifier"
	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/span"
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/recognizer/llm")

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// DefaultEntities are requested when no entity list is configured.
var DefaultEntities = []string{"PERSON", "EMAIL", "PHONE", "ADDRESS", "CREDIT_CARD", "IBAN", "US_SSN", "IP_ADDRESS", "DATE"}

// responseSchema is the JSON Schema the model's reply must satisfy.
const responseSchema = `{
  "type": "object",
  "required": ["entities"],
  "properties": {
    "entities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "text"],
        "properties": {
          "type":  {"type": "string", "minLength": 1},
          "text":  {"type": "string"},
          "score": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

const systemPrompt = `You find personally identifiable information in text.
Reply with a single JSON object of the form
{"entities":[{"type":"<ENTITY_TYPE>","text":"<exact substring>","score":<0..1>}]}.
"text" must be copied verbatim from the input. Report each distinct value once.
Only use these entity types: %s.
If nothing is found reply {"entities":[]}.`

type entity struct {
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Score *float64 `json:"score,omitempty"`
}

type response struct {
	Entities []entity `json:"entities"`
}

// Recognizer implements pipeline.Recognizer on top of a chat completion API.
type Recognizer struct {
	client   *openai.Client
	model    string
	entities []string
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(r *Recognizer) {
		if model != "" {
			r.model = model
		}
	}
}

// WithEntities restricts the entity types the model is asked for.
func WithEntities(entities []string) Option {
	return func(r *Recognizer) {
		if len(entities) > 0 {
			r.entities = entities
		}
	}
}

// New creates a recognizer talking to api.openai.com.
func New(apiKey string, opts ...Option) *Recognizer {
	return newWithClient(openai.NewClient(apiKey), opts...)
}

// NewWithBaseURL creates a recognizer for an OpenAI-compatible server.
// baseURL is scheme+host without path; /v1 is appended.
func NewWithBaseURL(apiKey, baseURL string, opts ...Option) *Recognizer {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return newWithClient(openai.NewClientWithConfig(config), opts...)
}

func newWithClient(client *openai.Client, opts ...Option) *Recognizer {
	r := &Recognizer{client: client, model: DefaultModel, entities: DefaultEntities}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name returns the recognizer identifier.
func (r *Recognizer) Name() string { return "llm" }

// Recognize asks the model for entities in text and locates them.
func (r *Recognizer) Recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error) {
	ctx, sp := tracer.Start(ctx, "recognizer.llm",
		trace.WithAttributes(
			attribute.String("gen_ai.system", "openai"),
			attribute.String("gen_ai.request.model", r.model),
		))
	defer sp.End()

	if text == "" {
		return nil, nil
	}

	user := text
	if lang != language.Und {
		user = fmt.Sprintf("Language: %s\n\n%s", lang, text)
	}
	req := openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, strings.Join(r.entities, ", "))},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		sp.RecordError(err)
		return nil, fmt.Errorf("llm recognizer call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm recognizer call: no choices returned")
	}

	parsed, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		sp.RecordError(err)
		return nil, err
	}

	spans := locate(text, parsed.Entities, r.allowed())
	sp.SetAttributes(redactotel.SpanCount.Int(len(spans)))
	return spans, nil
}

func (r *Recognizer) allowed() map[string]bool {
	m := make(map[string]bool, len(r.entities))
	for _, e := range r.entities {
		m[classifier.CanonicalEntity(e)] = true
	}
	return m
}

// parseResponse validates the model output against responseSchema.
func parseResponse(content string) (*response, error) {
	body := []byte(stripFence(content))

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(responseSchema),
		gojsonschema.NewBytesLoader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("llm recognizer: response is not JSON: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s: %s\n", verr.Field(), verr.Type())
		}
		return nil, fmt.Errorf("llm recognizer: invalid response:\n%s", errMsg)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("llm recognizer: decoding response: %w", err)
	}
	return &out, nil
}

// stripFence removes a ```json ... ``` wrapper some models add even in
// JSON mode.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// locate turns entity strings into spans at every non-overlapping
// occurrence in text. Entities outside allowed or not present verbatim
// are dropped.
func locate(text string, entities []entity, allowed map[string]bool) []span.Span {
	type key struct {
		start, end int
		typ        string
	}
	seen := make(map[key]bool)
	var out []span.Span
	for _, e := range entities {
		typ := classifier.CanonicalEntity(e.Type)
		if e.Text == "" || (len(allowed) > 0 && !allowed[typ]) {
			continue
		}
		l := span.Likely
		if e.Score != nil {
			l = span.LikelihoodFromScore(*e.Score)
		}
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], e.Text)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(e.Text)
			k := key{start, end, typ}
			if !seen[k] {
				seen[k] = true
				out = append(out, span.Span{Start: start, End: end, EntityType: typ, Likelihood: l, Text: e.Text})
			}
			from = end
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
