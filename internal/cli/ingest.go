// internal/cli/ingest.go
package loom

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/loomworks/loom/internal/appconfig"
	"github.com/loomworks/loom/internal/backend"
	"github.com/loomworks/loom/internal/extract"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/pipeline"
	"github.com/loomworks/loom/internal/remote"
	"github.com/spf13/cobra"
)

var (
	ingestAuto        bool
	ingestChunkMode   string
	ingestContextMode string
)

// ingestCmd represents the 'ingest' command.
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a document without the interactive stage view",
	Long: `The 'ingest' command runs a document through the pipeline headlessly.
With --auto the backend runs all stages itself; otherwise the stages run
one at a time with the requested chunk and context modes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, err := newOrchestrator(cmd.Context(), getConfig(), args[0])
		if err != nil {
			return err
		}

		var result backend.IngestResult
		if ingestAuto {
			result, err = orch.IngestAutomatic(cmd.Context())
		} else {
			result, err = runManualIngest(cmd.Context(), orch)
		}
		if err != nil {
			return err
		}

		color.Green("Ingested %q: %d chunks stored in namespace %s (document %s)",
			args[0], result.StoredChunkCount, result.Namespace, result.DocumentID)
		return nil
	},
}

func runManualIngest(ctx context.Context, orch *pipeline.Orchestrator) (backend.IngestResult, error) {
	if err := orch.SetChunkMode(ingestChunkMode); err != nil {
		return backend.IngestResult{}, err
	}
	if err := orch.SetContextMode(ingestContextMode); err != nil {
		return backend.IngestResult{}, err
	}
	if err := orch.RunChunk(ctx); err != nil {
		return backend.IngestResult{}, fmt.Errorf("chunk stage: %w", err)
	}
	if err := orch.RunContext(ctx); err != nil {
		return backend.IngestResult{}, fmt.Errorf("context stage: %w", err)
	}
	return orch.IngestManual(ctx)
}

// newOrchestrator extracts the document and wires a pipeline orchestrator for
// headless commands.
func newOrchestrator(ctx context.Context, cfg *appconfig.Config, path string) (*pipeline.Orchestrator, error) {
	text, err := extract.NewExtractor().File(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", path, err)
	}

	client := backend.New(cfg)
	slots := remote.NewSlotTable(func(operationID string) {
		if err := client.CancelOperation(ctx, operationID); err != nil {
			logging.LogEvent("cancel notification for %s failed: %v", operationID, err)
		}
	})

	orch := pipeline.New(client, slots, cfg)
	orch.SetDocument(path, text)
	return orch, nil
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestAuto, "auto", false, "let the backend run all stages server-side")
	ingestCmd.Flags().StringVar(&ingestChunkMode, "chunk-mode", pipeline.ChunkModeDeterministic, "chunking mode (deterministic|agentic)")
	ingestCmd.Flags().StringVar(&ingestContextMode, "context-mode", pipeline.ContextModeLLM, "contextualization mode (disabled|template|llm)")
	rootCmd.AddCommand(ingestCmd)
}
