package report

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/massdialogue/massdialogue/internal/models"
)

const (
	systemInstruction = "You are a helpful assistant that summarizes forum discussions."

	userInstruction = "Take in these messages and then give a list of important posts that have been submitted. " +
		"Prioritize the posts that have the most upvotes, only give a max of 3 posts. " +
		"and then after giving a list then provide a summary of the posts. " +
		"Don't give the posts in a JSON format. Use a regular text format. "

	maxOutputTokens = 250
)

var (
	// ErrNoContent means the snapshot was empty. The completion service is
	// never called on empty input.
	ErrNoContent = errors.New("no posts available to summarize")

	// ErrGenerationInFlight rejects a Generate call while another one is
	// running, so every report is attributable to exactly one snapshot.
	ErrGenerationInFlight = errors.New("report generation already in flight")
)

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateNoContent  State = "no_content"
	StateRequesting State = "requesting"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// Snapshotter provides the point-in-time post snapshot the pipeline runs on.
type Snapshotter interface {
	ListPosts(ctx context.Context) ([]models.Post, error)
}

// Completer runs one completion request. Failures come back classified as
// AuthError, ServiceError, or ProtocolError.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int64) (string, error)
}

// Pipeline drives one report generation: snapshot fetch, prompt transform,
// a single completion request, and paragraph decomposition. At most one
// invocation runs at a time, and a failure never clears the prior report.
type Pipeline struct {
	store     Snapshotter
	completer Completer

	mu       sync.Mutex
	state    State
	inFlight bool
	last     *models.Report
	lastErr  error
}

func NewPipeline(store Snapshotter, completer Completer) *Pipeline {
	return &Pipeline{
		store:     store,
		completer: completer,
		state:     StateIdle,
	}
}

// Generate produces a fresh report. No partial results: any stage failure
// yields only a classified error, and LastReport keeps returning the
// previous report alongside it.
func (p *Pipeline) Generate(ctx context.Context) (*models.Report, error) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		return nil, ErrGenerationInFlight
	}
	p.inFlight = true
	p.state = StateFetching
	p.mu.Unlock()

	report, err := p.generate(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		p.lastErr = err
		if errors.Is(err, ErrNoContent) {
			p.state = StateNoContent
		} else {
			p.state = StateFailed
		}
		slog.Error("[ReportPipeline] Generation failed", slog.String("error", err.Error()))
		return nil, err
	}
	p.last = report
	p.lastErr = nil
	p.state = StateReady
	slog.Info("[ReportPipeline] Report ready", slog.Int("posts", report.PostCount))
	return report, nil
}

func (p *Pipeline) generate(ctx context.Context) (*models.Report, error) {
	posts, err := p.store.ListPosts(ctx)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNoContent
	}

	payload, err := json.Marshal(BuildPayload(posts))
	if err != nil {
		return nil, err
	}

	p.setState(StateRequesting)
	text, err := p.completer.Complete(ctx, systemInstruction, userInstruction+string(payload), maxOutputTokens)
	if err != nil {
		return nil, err
	}

	return &models.Report{Text: text, PostCount: len(posts)}, nil
}

// BuildPayload serializes a snapshot into the prompt tuples, ranked by
// upvotes descending so the instruction's top-3 cut lines up with the
// counters regardless of submission order.
func BuildPayload(posts []models.Post) []models.ReportEntry {
	ranked := make([]models.Post, len(posts))
	copy(ranked, posts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Upvotes > ranked[j].Upvotes
	})

	entries := make([]models.ReportEntry, 0, len(ranked))
	for _, p := range ranked {
		entries = append(entries, models.ReportEntry{
			Text:    p.Body,
			Upvotes: p.Upvotes,
			Date:    p.CreatedAt.Format("1/2/2006"),
		})
	}
	return entries
}

// LastReport returns the most recent successful report, nil before the
// first success. A failed run never clears it.
func (p *Pipeline) LastReport() *models.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// LastErr returns the failure of the most recent run, nil after a success.
func (p *Pipeline) LastErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
