// internal/pipeline/orchestrator.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/remote"
)

// Backend is the subset of the HTTP client the orchestrator calls.
type Backend interface {
	Normalize(ctx context.Context, operationID string, req backend.NormalizeRequest) (backend.NormalizeResult, error)
	Chunk(ctx context.Context, operationID string, req backend.ChunkRequest) (backend.ChunkResult, error)
	Contextualize(ctx context.Context, operationID string, req backend.ContextualizeRequest) (backend.ContextualizeResult, error)
	PreviewAutomatic(ctx context.Context, operationID string, req backend.AutomaticRequest) (backend.PreviewResult, error)
	Ingest(ctx context.Context, operationID string, req backend.IngestRequest) (backend.IngestResult, error)
	IngestAutomatic(ctx context.Context, operationID string, req backend.AutomaticRequest) (backend.IngestResult, error)
}

// Orchestrator owns the pipeline run and drives its stages. Stage methods
// block for the duration of the remote call and are safe to invoke from
// separate goroutines; all run state is mutex guarded.
type Orchestrator struct {
	mu      sync.Mutex
	run     Run
	states  map[Stage]StageState
	slots   *remote.SlotTable
	backend Backend
}

// New constructs an Orchestrator over the given backend and slot table. The
// slot table may be shared with other engines; the orchestrator only touches
// its own stage slots.
func New(b Backend, slots *remote.SlotTable, cfg *appconfig.Config) *Orchestrator {
	o := &Orchestrator{
		states:  make(map[Stage]StageState),
		slots:   slots,
		backend: b,
	}
	if cfg != nil {
		o.run.ProjectID = cfg.ProjectID
		o.run.NormalizeOptions = cfg.Normalize
		o.run.ChunkOptions = cfg.ChunkBounds()
		o.run.Models = cfg.Models
	}
	return o
}

// Snapshot returns a copy of the run with cloned slices.
func (o *Orchestrator) Snapshot() Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.run
	run.Chunks = append([]backend.ChunkProposal(nil), o.run.Chunks...)
	run.ContextChunks = append([]backend.ContextualizedChunk(nil), o.run.ContextChunks...)
	return run
}

// State returns a stage's current lifecycle position.
func (o *Orchestrator) State(stage Stage) StageState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[stage]
}

// Busy reports whether any stage has a live remote operation.
func (o *Orchestrator) Busy() bool {
	return o.slots.AnyLive(
		remote.Slot(StageNormalize),
		remote.Slot(StageChunk),
		remote.Slot(StageContext),
		remote.Slot(StageIngest),
		remote.Slot(StagePreview),
	)
}

// SetProject selects the target project for ingest calls.
func (o *Orchestrator) SetProject(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.ProjectID = projectID
}

// SetDocument replaces the source text and invalidates every derived stage.
func (o *Orchestrator) SetDocument(name, rawText string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.DocumentName = name
	o.run.RawText = rawText
	o.invalidateFromSourceLocked()
	o.run.Status = "source loaded"
	o.run.Err = ""
}

// SetChunkMode selects the chunking strategy for the next chunk run.
func (o *Orchestrator) SetChunkMode(mode string) error {
	if mode != ChunkModeDeterministic && mode != ChunkModeAgentic {
		return fmt.Errorf("unknown chunk mode %q", mode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.ChunkMode = mode
	return nil
}

// SetContextMode selects the contextualization strategy.
func (o *Orchestrator) SetContextMode(mode string) error {
	if mode != ContextModeDisabled && mode != ContextModeTemplate && mode != ContextModeLLM {
		return fmt.Errorf("unknown context mode %q", mode)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.ContextMode = mode
	return nil
}

// SetChunkOptions replaces the character bounds used by the next chunk run.
func (o *Orchestrator) SetChunkOptions(opts appconfig.ChunkOptions) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.run.ChunkOptions = opts
}

// ToggleNormalize flips the normalization stage. Disabling is a local flip
// that reveals raw text and interrupts any normalize call still in flight.
// Re-enabling reuses a cached normalized result without a network call; only
// an empty cache triggers a remote operation. Either direction changes the
// effective text, so derived chunk and context data is cleared.
func (o *Orchestrator) ToggleNormalize(ctx context.Context) error {
	o.mu.Lock()
	if o.run.NormalizeEnabled {
		o.run.NormalizeEnabled = false
		o.clearDerivedLocked()
		o.states[StageNormalize] = StageIdle
		o.run.Status = "normalization disabled"
		o.run.Err = ""
		o.mu.Unlock()
		o.slots.Cancel(remote.Slot(StageNormalize))
		return nil
	}
	if o.run.RawText == "" {
		err := errors.New("load source text before normalizing")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return err
	}

	o.run.NormalizeEnabled = true
	o.clearDerivedLocked()
	o.run.Err = ""
	if o.run.NormalizedText != "" {
		o.states[StageNormalize] = StageSucceeded
		o.run.Status = "normalization re-enabled from cached result"
		o.mu.Unlock()
		return nil
	}
	o.states[StageNormalize] = StageRunning
	o.run.Status = "normalizing"
	req := backend.NormalizeRequest{
		Text:                     o.run.RawText,
		MaxBlankLines:            o.run.NormalizeOptions.MaxBlankLines,
		RemoveRepeatedShortLines: o.run.NormalizeOptions.RemoveRepeatedShortLines,
	}
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StageNormalize))
	result, err := o.backend.Normalize(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !committed {
		// A disable while in flight already settled the stage as idle; only
		// a plain interrupt of a still-enabled stage is recorded.
		if o.run.NormalizeEnabled {
			o.markInterruptedLocked(StageNormalize, "normalization interrupted")
		}
		return nil
	}
	if err != nil {
		o.markFailedLocked(StageNormalize, err)
		return err
	}
	o.run.NormalizedText = result.NormalizedText
	o.run.RemovedRepeatedLineCount = result.RemovedRepeatedLineCount
	o.run.CollapsedWhitespaceCount = result.CollapsedWhitespaceCount
	if !o.run.NormalizeEnabled {
		// Disabled between settle and commit. Keep the result cached for a
		// later re-enable without advertising the stage as succeeded.
		return nil
	}
	o.states[StageNormalize] = StageSucceeded
	o.run.Status = fmt.Sprintf("normalized (removed %d repeated lines, collapsed %d whitespace runs)",
		result.RemovedRepeatedLineCount, result.CollapsedWhitespaceCount)
	return nil
}

// RunChunk executes the chunking stage. Previous chunks and contextualized
// chunks are cleared before the call is issued, so stale downstream data is
// never visible during a re-run. Interruption is destructive: it leaves both
// lists empty.
func (o *Orchestrator) RunChunk(ctx context.Context) error {
	o.mu.Lock()
	text := o.run.EffectiveText()
	if text == "" {
		err := errors.New("load source text before chunking")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return err
	}
	if o.run.ChunkMode == "" {
		err := errors.New("select a chunk mode before chunking")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return err
	}

	o.run.Chunks = nil
	o.run.ContextChunks = nil
	o.states[StageChunk] = StageRunning
	o.states[StageContext] = StageIdle
	o.run.Status = "chunking"
	o.run.Err = ""
	bounds := o.run.ChunkOptions
	req := backend.ChunkRequest{
		Text:          text,
		Mode:          o.run.ChunkMode,
		MaxChars:      bounds.MaxChars,
		MinChars:      bounds.MinChars,
		OverlapChars:  bounds.OverlapChars,
		ModelOverride: o.run.Models.Chunk,
	}
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StageChunk))
	result, err := o.backend.Chunk(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !committed {
		o.run.Chunks = nil
		o.run.ContextChunks = nil
		o.markInterruptedLocked(StageChunk, "chunking interrupted")
		return nil
	}
	if err != nil {
		o.markFailedLocked(StageChunk, err)
		return err
	}
	if err := validateChunkOffsets(result.Chunks, len(text)); err != nil {
		err = fmt.Errorf("chunk response rejected: %w", err)
		o.markFailedLocked(StageChunk, err)
		return err
	}
	o.run.Chunks = result.Chunks
	o.states[StageChunk] = StageSucceeded
	o.run.Status = fmt.Sprintf("chunked into %d proposals (%s)", len(result.Chunks), result.Mode)
	return nil
}

// RunContext executes the contextualize stage. Mode disabled is a pure local
// passthrough with no network call.
func (o *Orchestrator) RunContext(ctx context.Context) error {
	o.mu.Lock()
	if len(o.run.Chunks) == 0 {
		err := errors.New("chunk the document before adding context")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return err
	}
	if o.run.ContextMode == "" {
		err := errors.New("select a context mode before contextualizing")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return err
	}

	if o.run.ContextMode == ContextModeDisabled {
		o.run.ContextChunks = DirectContextualizedChunks(o.run.Chunks)
		o.states[StageContext] = StageSucceeded
		o.run.Status = fmt.Sprintf("context disabled, %d chunks passed through", len(o.run.ContextChunks))
		o.run.Err = ""
		o.mu.Unlock()
		return nil
	}

	o.states[StageContext] = StageRunning
	o.run.Status = "contextualizing"
	o.run.Err = ""
	req := backend.ContextualizeRequest{
		DocumentName:  o.run.DocumentName,
		FullText:      o.run.EffectiveText(),
		Chunks:        append([]backend.ChunkProposal(nil), o.run.Chunks...),
		Mode:          o.run.ContextMode,
		ModelOverride: o.run.Models.Context,
	}
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StageContext))
	result, err := o.backend.Contextualize(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !committed {
		o.run.ContextChunks = nil
		o.markInterruptedLocked(StageContext, "contextualization interrupted")
		return nil
	}
	if err != nil {
		o.markFailedLocked(StageContext, err)
		return err
	}
	o.run.ContextChunks = result.Chunks
	o.states[StageContext] = StageSucceeded
	o.run.Status = fmt.Sprintf("contextualized %d chunks (%s)", len(result.Chunks), result.Mode)
	return nil
}

// IngestManual submits the reviewed contextualized chunks for persistence.
// It reports the stored-chunk count and namespace but does not mutate
// pipeline data; navigation after success is the caller's concern.
func (o *Orchestrator) IngestManual(ctx context.Context) (backend.IngestResult, error) {
	o.mu.Lock()
	if o.run.ProjectID == "" {
		err := errors.New("select a project before ingesting")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return backend.IngestResult{}, err
	}
	if len(o.run.ContextChunks) == 0 {
		err := errors.New("no contextualized chunks to ingest")
		o.run.Err = err.Error()
		o.mu.Unlock()
		return backend.IngestResult{}, err
	}

	o.states[StageIngest] = StageRunning
	o.run.Status = "ingesting"
	o.run.Err = ""
	req := backend.IngestRequest{
		ProjectID:    o.run.ProjectID,
		DocumentName: o.run.DocumentName,
		Chunks:       append([]backend.ContextualizedChunk(nil), o.run.ContextChunks...),
		Options:      o.automationOptionsLocked(false),
	}
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StageIngest))
	result, err := o.backend.Ingest(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	return o.finishIngest(StageIngest, result, err, committed)
}

// IngestAutomatic submits raw text and lets the backend run the whole
// pipeline server-side.
func (o *Orchestrator) IngestAutomatic(ctx context.Context) (backend.IngestResult, error) {
	req, err := o.automaticRequest()
	if err != nil {
		return backend.IngestResult{}, err
	}

	o.mu.Lock()
	o.states[StageIngest] = StageRunning
	o.run.Status = "ingesting (automatic)"
	o.run.Err = ""
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StageIngest))
	result, callErr := o.backend.IngestAutomatic(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	return o.finishIngest(StageIngest, result, callErr, committed)
}

// Preview dry-runs the automatic pipeline and writes the intermediate
// results back into normalize, chunk, and context state for review.
func (o *Orchestrator) Preview(ctx context.Context) error {
	req, err := o.automaticRequest()
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.states[StagePreview] = StageRunning
	o.run.Status = "previewing automatic pipeline"
	o.run.Err = ""
	o.mu.Unlock()

	op := o.slots.Acquire(ctx, remote.Slot(StagePreview))
	result, callErr := o.backend.PreviewAutomatic(op.Context(), op.ID(), req)
	committed := o.slots.Settle(op)

	o.mu.Lock()
	defer o.mu.Unlock()
	if !committed {
		o.markInterruptedLocked(StagePreview, "preview interrupted")
		return nil
	}
	if callErr != nil {
		o.markFailedLocked(StagePreview, callErr)
		return callErr
	}

	if result.NormalizedText != "" {
		o.run.NormalizedText = result.NormalizedText
		o.states[StageNormalize] = StageSucceeded
	}
	o.run.Chunks = result.Chunks
	o.run.ContextChunks = result.ContextualizedChunks
	if o.run.ChunkMode == "" {
		o.run.ChunkMode = req.Options.ChunkMode
	}
	if o.run.ContextMode == "" {
		o.run.ContextMode = req.Options.ContextMode
	}
	if len(result.Chunks) > 0 {
		o.states[StageChunk] = StageSucceeded
	}
	if len(result.ContextualizedChunks) > 0 {
		o.states[StageContext] = StageSucceeded
	}
	o.states[StagePreview] = StageSucceeded
	o.run.Status = fmt.Sprintf("preview ready: %d chunks, %d contextualized",
		len(result.Chunks), len(result.ContextualizedChunks))
	return nil
}

// Interrupt cancels the stage's live operation, if any.
func (o *Orchestrator) Interrupt(stage Stage) bool {
	return o.slots.Cancel(remote.Slot(stage))
}

func (o *Orchestrator) finishIngest(stage Stage, result backend.IngestResult, err error, committed bool) (backend.IngestResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !committed {
		o.markInterruptedLocked(stage, "ingest interrupted")
		return backend.IngestResult{}, nil
	}
	if err != nil {
		o.markFailedLocked(stage, err)
		return backend.IngestResult{}, err
	}
	o.states[stage] = StageSucceeded
	o.run.Status = fmt.Sprintf("stored %d chunks in namespace %s", result.StoredChunkCount, result.Namespace)
	return result, nil
}

// automaticRequest validates and assembles the shared payload of automatic
// ingest and preview. Modes the user left unset default to deterministic
// chunking with llm context; the manual flow never defaults.
func (o *Orchestrator) automaticRequest() (backend.AutomaticRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run.ProjectID == "" {
		err := errors.New("select a project before ingesting")
		o.run.Err = err.Error()
		return backend.AutomaticRequest{}, err
	}
	if o.run.RawText == "" {
		err := errors.New("load source text before ingesting")
		o.run.Err = err.Error()
		return backend.AutomaticRequest{}, err
	}
	return backend.AutomaticRequest{
		ProjectID:    o.run.ProjectID,
		DocumentName: o.run.DocumentName,
		RawText:      o.run.RawText,
		Options:      o.automationOptionsLocked(true),
	}, nil
}

func (o *Orchestrator) automationOptionsLocked(applyDefaults bool) backend.AutomationOptions {
	opts := backend.AutomationOptions{
		NormalizeEnabled:         o.run.NormalizeEnabled,
		MaxBlankLines:            o.run.NormalizeOptions.MaxBlankLines,
		RemoveRepeatedShortLines: o.run.NormalizeOptions.RemoveRepeatedShortLines,
		ChunkMode:                o.run.ChunkMode,
		MaxChars:                 o.run.ChunkOptions.MaxChars,
		MinChars:                 o.run.ChunkOptions.MinChars,
		OverlapChars:             o.run.ChunkOptions.OverlapChars,
		ContextMode:              o.run.ContextMode,
		ChunkModel:               o.run.Models.Chunk,
		ContextModel:             o.run.Models.Context,
	}
	if applyDefaults {
		if opts.ChunkMode == "" {
			opts.ChunkMode = ChunkModeDeterministic
		}
		if opts.ContextMode == "" {
			opts.ContextMode = ContextModeLLM
		}
	}
	return opts
}

// invalidateFromSourceLocked cascades a raw-text change: the normalized
// result and everything derived from it are discarded.
func (o *Orchestrator) invalidateFromSourceLocked() {
	o.run.NormalizedText = ""
	o.run.RemovedRepeatedLineCount = 0
	o.run.CollapsedWhitespaceCount = 0
	o.states[StageNormalize] = StageIdle
	o.clearDerivedLocked()
}

// clearDerivedLocked drops the chunk and context lists, which are derived
// from the effective text.
func (o *Orchestrator) clearDerivedLocked() {
	o.run.Chunks = nil
	o.run.ContextChunks = nil
	o.states[StageChunk] = StageIdle
	o.states[StageContext] = StageIdle
}

// markInterruptedLocked records an interruption unless a replacement run has
// already taken over the stage's slot.
func (o *Orchestrator) markInterruptedLocked(stage Stage, status string) {
	if o.slots.Live(remote.Slot(stage)) {
		return
	}
	o.states[stage] = StageInterrupted
	o.run.Status = status
}

// markFailedLocked records a failure message. Stage data is left in its
// last-good shape; only interruption clears data.
func (o *Orchestrator) markFailedLocked(stage Stage, err error) {
	o.states[stage] = StageFailed
	o.run.Err = err.Error()
	o.run.Status = string(stage) + " failed"
}
