package comprehend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/comprehend/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/span"
)

type fakeAPI struct {
	entities []types.PiiEntity
	err      error
	input    *comprehend.DetectPiiEntitiesInput
}

func (f *fakeAPI) DetectPiiEntities(ctx context.Context, in *comprehend.DetectPiiEntitiesInput, optFns ...func(*comprehend.Options)) (*comprehend.DetectPiiEntitiesOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &comprehend.DetectPiiEntitiesOutput{Entities: f.entities}, nil
}

func entity(typ string, begin, end int32, score float32) types.PiiEntity {
	return types.PiiEntity{
		Type:        types.PiiEntityType(typ),
		BeginOffset: aws.Int32(begin),
		EndOffset:   aws.Int32(end),
		Score:       aws.Float32(score),
	}
}

func TestRecognize_ConvertsOffsets(t *testing.T) {
	// "Grüße" has two multi-byte runes, so rune and byte offsets differ.
	text := "Grüße, Jürgen Müller: jm@example.de"
	api := &fakeAPI{entities: []types.PiiEntity{
		entity("NAME", 7, 20, 0.99),
		entity("EMAIL", 22, 35, 0.7),
		entity("AWS_ACCESS_KEY", 0, 5, 0.1),
	}}
	r := New(api)

	spans, err := r.Recognize(context.Background(), text, language.English)
	require.NoError(t, err)
	require.Len(t, spans, 3)

	assert.Equal(t, "PERSON", spans[0].EntityType)
	assert.Equal(t, "Jürgen Müller", spans[0].Text)
	assert.Equal(t, span.VeryLikely, spans[0].Likelihood)
	assert.Equal(t, "EMAIL", spans[1].EntityType)
	assert.Equal(t, "jm@example.de", spans[1].Text)
	assert.Equal(t, span.Likely, spans[1].Likelihood)
	assert.Equal(t, "AWS_ACCESS_KEY", spans[2].EntityType)
	assert.Equal(t, span.VeryUnlikely, spans[2].Likelihood)
	for _, s := range spans {
		assert.Equal(t, s.Text, text[s.Start:s.End])
	}

	assert.Equal(t, text, aws.ToString(api.input.Text))
	assert.Equal(t, types.LanguageCodeEn, api.input.LanguageCode)
}

func TestRecognize_LanguageCode(t *testing.T) {
	tests := []struct {
		lang language.Tag
		want types.LanguageCode
	}{
		{language.English, types.LanguageCodeEn},
		{language.BritishEnglish, types.LanguageCodeEn},
		{language.Spanish, types.LanguageCodeEs},
		{language.German, types.LanguageCodeEn},
		{language.Und, types.LanguageCodeEn},
	}
	for _, tt := range tests {
		t.Run(tt.lang.String(), func(t *testing.T) {
			api := &fakeAPI{}
			_, err := New(api).Recognize(context.Background(), "x", tt.lang)
			require.NoError(t, err)
			assert.Equal(t, tt.want, api.input.LanguageCode)
		})
	}
}

func TestRecognize_Errors(t *testing.T) {
	t.Run("api failure", func(t *testing.T) {
		boom := errors.New("throttled")
		_, err := New(&fakeAPI{err: boom}).Recognize(context.Background(), "x", language.Und)
		assert.ErrorIs(t, err, boom)
	})
	t.Run("offset outside document", func(t *testing.T) {
		api := &fakeAPI{entities: []types.PiiEntity{entity("NAME", 0, 50, 0.9)}}
		_, err := New(api).Recognize(context.Background(), "short", language.Und)
		assert.ErrorIs(t, err, span.ErrMalformedSpan)
	})
	t.Run("too large", func(t *testing.T) {
		api := &fakeAPI{}
		_, err := New(api).Recognize(context.Background(), strings.Repeat("a", MaxTextBytes+1), language.Und)
		assert.ErrorIs(t, err, ErrTextTooLarge)
		assert.Nil(t, api.input)
	})
}

func TestRecognize_SkipsEntitiesWithoutOffsets(t *testing.T) {
	api := &fakeAPI{entities: []types.PiiEntity{{Type: types.PiiEntityType("NAME")}}}
	spans, err := New(api).Recognize(context.Background(), "Ann", language.Und)
	require.NoError(t, err)
	assert.Empty(t, spans)
}

func TestRecognize_MissingScoreIsLikely(t *testing.T) {
	api := &fakeAPI{entities: []types.PiiEntity{{
		Type:        types.PiiEntityType("NAME"),
		BeginOffset: aws.Int32(0),
		EndOffset:   aws.Int32(3),
	}}}
	spans, err := New(api).Recognize(context.Background(), "Ann", language.Und)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, span.Likely, spans[0].Likelihood)
}

func TestNewFromRegion_RequiresRegion(t *testing.T) {
	_, err := NewFromRegion(context.Background(), "")
	assert.Error(t, err)
}
