package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobKind tags the payload carried by a Job.
type JobKind string

// Supported job kinds.
const (
	JobKindCrawl JobKind = "crawl"
	JobKindIndex JobKind = "index"
)

// IndexJobPriority places index work ahead of any crawl job.
const IndexJobPriority = 1000

// CrawlJob asks a worker to fetch and store a URL.
type CrawlJob struct {
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Priority int    `json:"priority,omitempty"`
}

// IndexJob asks a worker to (re)build the index rows of a stored document.
type IndexJob struct {
	DocumentID int64 `json:"document_id"`
}

// Job is the envelope moved through the frontier.
type Job struct {
	ID         string
	Kind       JobKind
	Crawl      *CrawlJob
	Index      *IndexJob
	Priority   int
	Attempts   int
	VisibleAt  time.Time
	EnqueuedAt time.Time
}

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	Delay time.Duration
}

// NewCrawlJob builds a crawl job whose ID is derived from url and depth.
func NewCrawlJob(url string, depth, priority int) Job {
	return Job{
		ID:       CrawlJobID(url, depth),
		Kind:     JobKindCrawl,
		Crawl:    &CrawlJob{URL: url, Depth: depth, Priority: priority},
		Priority: priority,
	}
}

// NewIndexJob builds an index job for docID.
func NewIndexJob(docID int64) Job {
	return Job{
		ID:       "index:" + strconv.FormatInt(docID, 10),
		Kind:     JobKindIndex,
		Index:    &IndexJob{DocumentID: docID},
		Priority: IndexJobPriority,
	}
}

// CrawlJobID returns the identity used to collapse duplicate crawl jobs.
func CrawlJobID(url string, depth int) string {
	sum := sha256.Sum256([]byte(url))
	return fmt.Sprintf("crawl:%s:%d", hex.EncodeToString(sum[:]), depth)
}

// Validate checks the envelope is consistent with its kind.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is required", ErrValidation)
	}
	switch j.Kind {
	case JobKindCrawl:
		if j.Crawl == nil || j.Crawl.URL == "" {
			return fmt.Errorf("%w: crawl job requires a url", ErrValidation)
		}
		if j.Crawl.Depth < 0 {
			return fmt.Errorf("%w: crawl depth must be >= 0", ErrValidation)
		}
	case JobKindIndex:
		if j.Index == nil || j.Index.DocumentID <= 0 {
			return fmt.Errorf("%w: index job requires a document id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrValidation, j.Kind)
	}
	return nil
}

// Payload encodes the kind-specific body of the job.
func (j Job) Payload() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch j.Kind {
	case JobKindCrawl:
		data, err = json.Marshal(j.Crawl)
	case JobKindIndex:
		data, err = json.Marshal(j.Index)
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", ErrValidation, j.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", j.Kind, err)
	}
	return data, nil
}

// DecodePayload fills the typed payload of j from its encoded form.
func (j *Job) DecodePayload(data []byte) error {
	switch j.Kind {
	case JobKindCrawl:
		var payload CrawlJob
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode crawl payload: %w", err)
		}
		j.Crawl = &payload
	case JobKindIndex:
		var payload IndexJob
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("decode index payload: %w", err)
		}
		j.Index = &payload
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrValidation, j.Kind)
	}
	return nil
}

// TargetURL returns the URL a crawl job fetches, or "" for other kinds.
func (j Job) TargetURL() string {
	if j.Kind == JobKindCrawl && j.Crawl != nil {
		return j.Crawl.URL
	}
	return ""
}
