package audit

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/dativo-io/redact/internal/pipeline"
)

// Sources of a record.
const (
	SourceCLI = "cli"
	SourceAPI = "api"
)

// Record is the audit entry for one processed document. It holds counts,
// metadata and keyed digests only. No document text or PII value is
// stored.
type Record struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Source       string         `json:"source"`
	Caller       string         `json:"caller"`
	DocumentID   string         `json:"document_id"`
	Recognizer   string         `json:"recognizer"`
	Transform    string         `json:"transform"`
	TransientKey bool           `json:"transient_key"`
	Entities     map[string]int `json:"entities,omitempty"`
	SpanCount    int            `json:"span_count"`
	InputDigest  string         `json:"input_digest,omitempty"`
	OutputDigest string         `json:"output_digest,omitempty"`
	InputBytes   int            `json:"input_bytes"`
	DurationMS   int64          `json:"duration_ms"`
	Stage        string         `json:"stage,omitempty"`
	Error        string         `json:"error,omitempty"`
	Signature    string         `json:"signature"`
}

// Outcome is what the caller of a pipeline run knows about it.
type Outcome struct {
	Source   string
	Caller   string
	Document pipeline.Document
	Result   *pipeline.Result
	Err      error
	Duration time.Duration
}

// EntityTypes returns the entity types in r, sorted.
func (r *Record) EntityTypes() []string {
	out := make([]string, 0, len(r.Entities))
	for t := range r.Entities {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// newRecord builds an unsigned record. Error text from the pipeline
// carries document ids, stages, offsets and entity types only.
func newRecord(p *pipeline.Pipeline, o Outcome) *Record {
	r := &Record{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Source:     o.Source,
		Caller:     o.Caller,
		DocumentID: o.Document.ID,
		InputBytes: len(o.Document.Text),
		DurationMS: o.Duration.Milliseconds(),
	}
	if p != nil {
		r.Recognizer = p.RecognizerName()
		r.Transform = p.Table().Default().Kind().String()
		r.TransientKey = p.Table().Transient()
	}
	if o.Result != nil {
		r.DocumentID = o.Result.DocumentID
		r.SpanCount = len(o.Result.Applied)
		if r.SpanCount > 0 {
			r.Entities = make(map[string]int)
			for _, a := range o.Result.Applied {
				r.Entities[a.Span.EntityType]++
			}
		}
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		var stageErr *pipeline.StageError
		if errors.As(o.Err, &stageErr) {
			r.Stage = stageErr.Stage.String()
		}
	}
	return r
}
