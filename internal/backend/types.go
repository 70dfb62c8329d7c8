// internal/backend/types.go
package backend

import "time"

// ChunkProposal is one chunk produced by the chunking stage. Offsets are
// 0-based, half-open over the text the chunk run received.
type ChunkProposal struct {
	Index       int    `json:"index"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
	Text        string `json:"text"`
	Rationale   string `json:"rationale,omitempty"`
}

// ContextualizedChunk pairs a chunk with the context header prepended during
// the contextualize stage.
type ContextualizedChunk struct {
	Index              int    `json:"index"`
	StartOffset        int    `json:"startOffset"`
	EndOffset          int    `json:"endOffset"`
	Rationale          string `json:"rationale,omitempty"`
	ChunkText          string `json:"chunkText"`
	ContextHeader      string `json:"contextHeader"`
	ContextualizedText string `json:"contextualizedText"`
}

// NormalizeRequest carries the inputs of the normalization stage.
type NormalizeRequest struct {
	Text                     string `json:"text"`
	MaxBlankLines            int    `json:"maxBlankLines"`
	RemoveRepeatedShortLines bool   `json:"removeRepeatedShortLines"`
}

// NormalizeResult reports the cleaned text and what was removed.
type NormalizeResult struct {
	NormalizedText           string `json:"normalizedText"`
	RemovedRepeatedLineCount int    `json:"removedRepeatedLineCount"`
	CollapsedWhitespaceCount int    `json:"collapsedWhitespaceCount"`
}

// ChunkRequest carries the inputs of the chunking stage.
type ChunkRequest struct {
	Text          string `json:"text"`
	Mode          string `json:"mode"`
	MaxChars      int    `json:"maxChars"`
	MinChars      int    `json:"minChars"`
	OverlapChars  int    `json:"overlapChars"`
	ModelOverride string `json:"model,omitempty"`
}

// ChunkResult is the chunking stage's response.
type ChunkResult struct {
	Mode   string          `json:"mode"`
	Chunks []ChunkProposal `json:"chunks"`
}

// ContextualizeRequest carries the full document plus the chunk list to the
// contextualize stage.
type ContextualizeRequest struct {
	DocumentName  string          `json:"documentName"`
	FullText      string          `json:"fullText"`
	Chunks        []ChunkProposal `json:"chunks"`
	Mode          string          `json:"mode"`
	ModelOverride string          `json:"model,omitempty"`
}

// ContextualizeResult is the contextualize stage's response.
type ContextualizeResult struct {
	Mode   string                `json:"mode"`
	Chunks []ContextualizedChunk `json:"chunks"`
}

// AutomationOptions are the automation flags and model overrides submitted
// with automatic-mode ingest and preview calls.
type AutomationOptions struct {
	NormalizeEnabled         bool   `json:"normalizeEnabled"`
	MaxBlankLines            int    `json:"maxBlankLines"`
	RemoveRepeatedShortLines bool   `json:"removeRepeatedShortLines"`
	ChunkMode                string `json:"chunkMode"`
	MaxChars                 int    `json:"maxChars"`
	MinChars                 int    `json:"minChars"`
	OverlapChars             int    `json:"overlapChars"`
	ContextMode              string `json:"contextMode"`
	ChunkModel               string `json:"chunkModel,omitempty"`
	ContextModel             string `json:"contextModel,omitempty"`
}

// AutomaticRequest submits raw text and lets the backend run the whole
// pipeline server-side. Used by both automatic ingest and preview.
type AutomaticRequest struct {
	ProjectID    string            `json:"projectId"`
	DocumentName string            `json:"documentName"`
	RawText      string            `json:"rawText"`
	Options      AutomationOptions `json:"options"`
}

// PreviewResult carries the dry-run outputs of an automatic pipeline pass so
// they can be reviewed before a destructive ingest.
type PreviewResult struct {
	NormalizedText       string                `json:"normalizedText"`
	Chunks               []ChunkProposal       `json:"chunks"`
	ContextualizedChunks []ContextualizedChunk `json:"contextualizedChunks"`
}

// IngestRequest submits reviewed chunks for persistence (manual mode).
type IngestRequest struct {
	ProjectID    string                `json:"projectId"`
	DocumentName string                `json:"documentName"`
	Chunks       []ContextualizedChunk `json:"chunks"`
	Options      AutomationOptions     `json:"options"`
}

// IngestResult reports what the backend stored.
type IngestResult struct {
	StoredChunkCount int    `json:"storedChunkCount"`
	Namespace        string `json:"namespace"`
	DocumentID       string `json:"documentId,omitempty"`
}

// RetrievalTuning carries the hybrid retrieval parameters of a chat request.
type RetrievalTuning struct {
	TopK             int     `json:"topK"`
	DenseTopK        int     `json:"denseTopK"`
	SparseTopK       int     `json:"sparseTopK"`
	DenseWeight      float64 `json:"denseWeight"`
	RerankCandidates int     `json:"rerankCandidates,omitempty"`
	RerankModel      string  `json:"rerankModel,omitempty"`
}

// ChatRequest is the body of a streaming chat request. SessionID is empty in
// stateless mode.
type ChatRequest struct {
	ProjectID     string          `json:"projectId"`
	DocumentIDs   []string        `json:"documentIds,omitempty"`
	Message       string          `json:"message"`
	Retrieval     RetrievalTuning `json:"retrieval"`
	ChatModel     string          `json:"chatModel,omitempty"`
	HistoryWindow int             `json:"historyWindow"`
	SessionID     string          `json:"sessionId,omitempty"`
}

// SourceChunk is one ranked retrieval candidate cited by an answer.
type SourceChunk struct {
	ID           string   `json:"id"`
	DocumentID   string   `json:"documentId"`
	DocumentName string   `json:"documentName"`
	Text         string   `json:"text"`
	DenseScore   float64  `json:"denseScore"`
	SparseScore  float64  `json:"sparseScore"`
	HybridScore  float64  `json:"hybridScore"`
	RerankScore  *float64 `json:"rerankScore,omitempty"`
	Rank         int      `json:"rank"`
	OriginalRank int      `json:"originalRank"`
}

// DocumentStat rolls up how many of an answer's sources came from one document.
type DocumentStat struct {
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName"`
	ChunkCount   int    `json:"chunkCount"`
}

// ChatResponse is the structured final record of one completed exchange,
// delivered in the stream's done event.
type ChatResponse struct {
	Answer        string         `json:"answer"`
	ChatModel     string         `json:"chatModel"`
	EmbedModel    string         `json:"embedModel,omitempty"`
	RerankModel   string         `json:"rerankModel,omitempty"`
	Sources       []SourceChunk  `json:"sources"`
	DocumentStats []DocumentStat `json:"documentStats,omitempty"`
	Citations     []string       `json:"citations,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
}

// SessionMessage is one stored message of a persisted session record.
type SessionMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionRecord is the persistence shape of a chat session.
type SessionRecord struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	SelectedDocuments []string         `json:"selectedDocuments,omitempty"`
	LatestResponse    *ChatResponse    `json:"latestResponse,omitempty"`
	Messages          []SessionMessage `json:"messages"`
	MessageCount      int              `json:"messageCount"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}
