package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/marketlens/segmenter/pkg/models"
)

// Sentinel errors surfaced by Execute.
var (
	// ErrLLMCall wraps provider failures that survived all attempts.
	ErrLLMCall = errors.New("llm call failed")
	// ErrCallBudgetExceeded means the per-execution provider call budget ran out.
	ErrCallBudgetExceeded = errors.New("llm call budget exceeded")
)

// ValidationError describes a structurally invalid model response. Details
// carry the diagnostic lists (missing ids, extra ids, duplicates) that get
// echoed back to the model on the retry attempt.
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Budget limits provider admissions within one pipeline execution. Cache
// hits are free; every admission to the provider consumes one unit.
type Budget interface {
	Consume() error
}

// CallBudget is a mutex-guarded countdown budget. A non-positive limit means
// unlimited.
type CallBudget struct {
	mu        sync.Mutex
	remaining int
	unlimited bool
}

// NewCallBudget creates a budget allowing up to limit provider calls.
func NewCallBudget(limit int) *CallBudget {
	return &CallBudget{remaining: limit, unlimited: limit <= 0}
}

// Consume takes one unit, or fails with ErrCallBudgetExceeded.
func (b *CallBudget) Consume() error {
	if b.unlimited {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return ErrCallBudgetExceeded
	}
	b.remaining--
	return nil
}

// InteractionRecord is one persisted call attempt handed to the store.
type InteractionRecord struct {
	RunID        string
	Type         models.InteractionType
	BatchID      int
	Attempt      int
	Prompt       string
	CacheContext any
	Response     string
}

// InteractionStore is the hybrid cache the gateway consults before every
// provider admission and writes after every response.
type InteractionStore interface {
	// Lookup returns the stored response text for the record's prompt and
	// cache context. rec.Response is empty on lookup.
	Lookup(ctx context.Context, rec InteractionRecord) (string, bool, error)
	// Save persists the response blob and its index row.
	Save(ctx context.Context, rec InteractionRecord) error
}

// Event reports gateway call outcomes for progress accounting and logging.
type Event struct {
	RunID   string
	Type    models.InteractionType
	BatchID int
	Attempt int
	// Kind is "success", "attempt_error" or "error".
	Kind string
	// Reason distinguishes "transport" from "validation" attempt errors.
	Reason string
	Err    error
}

// EventListener observes gateway events. Nil listeners are allowed.
type EventListener func(Event)

// CallRequest describes one logical pipeline call. Validate inspects the raw
// response text; returning a *ValidationError triggers a retry attempt with
// the diagnostics appended to the prompt.
type CallRequest struct {
	RunID        string
	Type         models.InteractionType
	BatchID      int
	Prompt       string
	CacheContext any
	Validate     func(text string) error
}

// CallResult is the accepted response of a logical call.
type CallResult struct {
	Text          string
	CacheHit      bool
	ProviderCalls int
	Attempts      int
}

// Gateway wraps every model call with cache lookup, rate limiting, budget
// accounting, response persistence and validation-driven retries.
type Gateway struct {
	provider    Provider
	limiter     *RateLimiter
	counter     *TokenCounter
	store       InteractionStore
	maxAttempts int
	listener    EventListener
}

// NewGateway assembles a gateway. maxAttempts below 1 is clamped to 1.
func NewGateway(provider Provider, limiter *RateLimiter, counter *TokenCounter, store InteractionStore, maxAttempts int, listener EventListener) *Gateway {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Gateway{
		provider:    provider,
		limiter:     limiter,
		counter:     counter,
		store:       store,
		maxAttempts: maxAttempts,
		listener:    listener,
	}
}

func (g *Gateway) emit(ev Event) {
	if g.listener != nil {
		g.listener(ev)
	}
}

// Execute runs one logical call to acceptance or exhaustion. Each attempt
// first consults the interaction store; only on a miss does it consume
// budget and go to the provider. Every provider response is persisted before
// validation so failed attempts remain auditable.
func (g *Gateway) Execute(ctx context.Context, req CallRequest, budget Budget) (*CallResult, error) {
	prompt := req.Prompt
	result := &CallResult{}
	var lastErr error

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		result.Attempts = attempt

		rec := InteractionRecord{
			RunID:        req.RunID,
			Type:         req.Type,
			BatchID:      req.BatchID,
			Attempt:      attempt,
			Prompt:       prompt,
			CacheContext: req.CacheContext,
		}

		text, hit, err := g.store.Lookup(ctx, rec)
		if err != nil {
			slog.Warn("Interaction cache lookup failed, treating as miss",
				"run_id", req.RunID, "type", req.Type, "batch_id", req.BatchID, "error", err)
			hit = false
		}

		if !hit {
			if err := budget.Consume(); err != nil {
				g.emit(Event{RunID: req.RunID, Type: req.Type, BatchID: req.BatchID, Attempt: attempt, Kind: "error", Err: err})
				return nil, err
			}
			result.ProviderCalls++

			text, err = g.callProvider(ctx, prompt)
			if err != nil {
				lastErr = err
				g.emit(Event{RunID: req.RunID, Type: req.Type, BatchID: req.BatchID, Attempt: attempt, Kind: "attempt_error", Reason: "transport", Err: err})
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}

			rec.Response = text
			if err := g.store.Save(ctx, rec); err != nil {
				// Persistence failures must not lose an otherwise good response.
				slog.Error("Failed to persist LLM interaction",
					"run_id", req.RunID, "type", req.Type, "batch_id", req.BatchID, "attempt", attempt, "error", err)
			}
		} else if attempt == 1 {
			result.CacheHit = true
		}

		verr := req.Validate(text)
		if verr == nil {
			g.emit(Event{RunID: req.RunID, Type: req.Type, BatchID: req.BatchID, Attempt: attempt, Kind: "success"})
			result.Text = text
			return result, nil
		}

		lastErr = verr
		g.emit(Event{RunID: req.RunID, Type: req.Type, BatchID: req.BatchID, Attempt: attempt, Kind: "attempt_error", Reason: "validation", Err: verr})

		var ve *ValidationError
		if errors.As(verr, &ve) {
			prompt = buildRetryPrompt(req.Prompt, ve)
		}
	}

	g.emit(Event{RunID: req.RunID, Type: req.Type, BatchID: req.BatchID, Attempt: result.Attempts, Kind: "error", Err: lastErr})
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrLLMCall, result.Attempts, lastErr)
}

func (g *Gateway) callProvider(ctx context.Context, prompt string) (string, error) {
	estInput := g.counter.Count(prompt)
	if err := g.limiter.Acquire(ctx, estInput, 0); err != nil {
		return "", err
	}

	resp, err := g.provider.Complete(ctx, prompt)
	if err != nil {
		// Actual usage is unknown; the estimates stay in the window.
		g.limiter.Release(-1, -1)
		return "", err
	}

	actIn, actOut := resp.Usage.InputTokens, resp.Usage.OutputTokens
	if actIn <= 0 {
		actIn = estInput
	}
	if actOut <= 0 {
		actOut = g.counter.Count(resp.Text)
	}
	g.limiter.Release(actIn, actOut)

	return resp.Text, nil
}

// buildRetryPrompt appends the validation diagnostics to the base prompt so
// the model sees exactly what was wrong with its previous answer.
func buildRetryPrompt(basePrompt string, verr *ValidationError) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nPREVIOUS ATTEMPT FAILED:\n")
	b.WriteString(verr.Message)
	b.WriteString("\n")

	keys := make([]string, 0, len(verr.Details))
	for k := range verr.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := json.Marshal(verr.Details[k])
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}

	b.WriteString("\nReturn ONLY the corrected JSON object, with every rule satisfied.")
	return b.String()
}
