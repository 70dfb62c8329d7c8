// internal/pipeline/pipeline.go
// Package pipeline coordinates the human-reviewable ingestion pipeline:
// normalize, chunk, contextualize, ingest. Each stage runs as a cancellable
// remote operation; upstream edits invalidate all derived downstream data.
package pipeline

import (
	"fmt"

	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
)

// StageState is one position of a stage's lifecycle.
type StageState int

const (
	StageIdle StageState = iota
	StageRunning
	StageSucceeded
	StageFailed
	StageInterrupted
)

// String returns the lower-case state name used in status text.
func (s StageState) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageRunning:
		return "running"
	case StageSucceeded:
		return "succeeded"
	case StageFailed:
		return "failed"
	case StageInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Stage names one step of the pipeline.
type Stage string

const (
	StageNormalize Stage = "normalize"
	StageChunk     Stage = "chunk"
	StageContext   Stage = "context"
	StageIngest    Stage = "ingest"
	StagePreview   Stage = "preview"
)

// Chunk modes accepted by the chunking stage.
const (
	ChunkModeDeterministic = "deterministic"
	ChunkModeAgentic       = "agentic"
)

// Context modes accepted by the contextualize stage.
const (
	ContextModeDisabled = "disabled"
	ContextModeTemplate = "template"
	ContextModeLLM      = "llm"
)

// Run is the mutable state of one document-editing session. Chunk and
// context lists are derived: any change to raw text or normalization clears
// both, and a chunk re-run clears the contextualized list.
type Run struct {
	ProjectID    string
	DocumentName string

	RawText string

	NormalizeEnabled         bool
	NormalizeOptions         appconfig.NormalizeOptions
	NormalizedText           string
	RemovedRepeatedLineCount int
	CollapsedWhitespaceCount int

	ChunkMode    string
	ChunkOptions appconfig.ChunkOptions

	Chunks        []backend.ChunkProposal
	ContextMode   string
	ContextChunks []backend.ContextualizedChunk

	Models appconfig.ModelOverrides

	Status string
	Err    string
}

// EffectiveText is the text downstream stages operate on: the normalized
// result when normalization is enabled and has run, raw text otherwise.
func (r *Run) EffectiveText() string {
	if r.NormalizeEnabled && r.NormalizedText != "" {
		return r.NormalizedText
	}
	return r.RawText
}

// DirectContextualizedChunks builds the 1:1 passthrough contextualized list
// used by the disabled context mode. Headers are empty and contextualized
// text equals the chunk text exactly.
func DirectContextualizedChunks(chunks []backend.ChunkProposal) []backend.ContextualizedChunk {
	out := make([]backend.ContextualizedChunk, len(chunks))
	for i, chunk := range chunks {
		out[i] = backend.ContextualizedChunk{
			Index:              chunk.Index,
			StartOffset:        chunk.StartOffset,
			EndOffset:          chunk.EndOffset,
			Rationale:          chunk.Rationale,
			ChunkText:          chunk.Text,
			ContextHeader:      "",
			ContextualizedText: chunk.Text,
		}
	}
	return out
}

// validateChunkOffsets rejects proposals whose offsets do not describe a
// half-open range inside the text that produced them.
func validateChunkOffsets(chunks []backend.ChunkProposal, sourceLen int) error {
	for _, chunk := range chunks {
		if chunk.StartOffset < 0 || chunk.StartOffset >= chunk.EndOffset || chunk.EndOffset > sourceLen {
			return fmt.Errorf("chunk %d has invalid offsets [%d, %d) over %d characters",
				chunk.Index, chunk.StartOffset, chunk.EndOffset, sourceLen)
		}
	}
	return nil
}
