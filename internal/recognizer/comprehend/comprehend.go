// Package comprehend recognizes PII with AWS Comprehend DetectPiiEntities.
package comprehend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/language"

	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/span"
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/recognizer/comprehend")

// MaxTextBytes is the DetectPiiEntities request limit.
const MaxTextBytes = 100 * 1024

// ErrTextTooLarge is returned for documents over MaxTextBytes.
var ErrTextTooLarge = fmt.Errorf("document exceeds %d bytes accepted by comprehend", MaxTextBytes)

// API is the subset of *comprehend.Client the recognizer uses.
type API interface {
	DetectPiiEntities(ctx context.Context, in *comprehend.DetectPiiEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectPiiEntitiesOutput, error)
}

// entityTypes maps Comprehend PII types onto the engine's entity names.
// Unlisted types keep their Comprehend name.
var entityTypes = map[string]string{
	"NAME":                              "PERSON",
	"EMAIL":                             "EMAIL",
	"PHONE":                             "PHONE",
	"ADDRESS":                           "ADDRESS",
	"CREDIT_DEBIT_NUMBER":               "CREDIT_CARD",
	"SSN":                               "US_SSN",
	"IP_ADDRESS":                        "IP_ADDRESS",
	"BANK_ACCOUNT_NUMBER":               "BANK_ACCOUNT",
	"DATE_TIME":                         "DATE",
	"PASSPORT_NUMBER":                   "PASSPORT",
	"URL":                               "URL",
	"INTERNATIONAL_BANK_ACCOUNT_NUMBER": "IBAN",
	"UK_NATIONAL_INSURANCE_NUMBER":      "UK_NINO",
}

// Recognizer implements pipeline.Recognizer.
type Recognizer struct {
	api API
	// fallback is used when the document language is unset or unsupported.
	fallback types.LanguageCode
}

// New wraps an existing client.
func New(api API) *Recognizer {
	return &Recognizer{api: api, fallback: types.LanguageCodeEn}
}

// NewFromRegion loads the default AWS credential chain for region.
func NewFromRegion(ctx context.Context, region string) (*Recognizer, error) {
	if region == "" {
		return nil, fmt.Errorf("comprehend: region not specified")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("comprehend: loading aws config: %w", err)
	}
	return New(comprehend.NewFromConfig(cfg)), nil
}

// Name returns the recognizer identifier.
func (r *Recognizer) Name() string { return "comprehend" }

// Recognize calls DetectPiiEntities and converts the code-point offsets
// it reports into byte offsets.
func (r *Recognizer) Recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error) {
	ctx, sp := tracer.Start(ctx, "recognizer.comprehend")
	defer sp.End()

	if text == "" {
		return nil, nil
	}
	if len(text) > MaxTextBytes {
		return nil, ErrTextTooLarge
	}

	code := r.languageCode(lang)
	sp.SetAttributes(attribute.String("comprehend.language", string(code)))

	out, err := r.api.DetectPiiEntities(ctx, &comprehend.DetectPiiEntitiesInput{
		Text:         aws.String(text),
		LanguageCode: code,
	})
	if err != nil {
		sp.RecordError(err)
		return nil, fmt.Errorf("comprehend: detect pii entities: %w", err)
	}

	spans := make([]span.Span, 0, len(out.Entities))
	for _, e := range out.Entities {
		if e.BeginOffset == nil || e.EndOffset == nil {
			continue
		}
		start, end, err := span.FromRuneOffsets(text, int(*e.BeginOffset), int(*e.EndOffset))
		if err != nil {
			return nil, fmt.Errorf("comprehend: %w", err)
		}
		l := span.Likely
		if e.Score != nil {
			l = span.LikelihoodFromScore(float64(*e.Score))
		}
		spans = append(spans, span.Span{
			Start:      start,
			End:        end,
			EntityType: entityType(e.Type),
			Likelihood: l,
			Text:       text[start:end],
		})
	}
	sp.SetAttributes(redactotel.SpanCount.Int(len(spans)))
	return spans, nil
}

func (r *Recognizer) languageCode(lang language.Tag) types.LanguageCode {
	base, conf := lang.Base()
	if conf == language.No {
		return r.fallback
	}
	code := types.LanguageCode(base.String())
	for _, supported := range []types.LanguageCode{types.LanguageCodeEn, types.LanguageCodeEs} {
		if code == supported {
			return code
		}
	}
	return r.fallback
}

func entityType(t types.PiiEntityType) string {
	if name, ok := entityTypes[string(t)]; ok {
		return name
	}
	return string(t)
}
