package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arkham/core/internal/dispatcher"
	"github.com/arkham/core/internal/eventbus"
)

// dispatchTimeout bounds how long a pipeline stage waits for its
// dispatched job to finish before treating the stage as failed.
const dispatchTimeout = 120 * time.Second

// poolForFile picks a worker pool from a file's extension, the exact
// routing table document ingestion uses: structured office formats go to
// cpu-extract, images to cpu-image, archives to cpu-archive, everything
// else falls back to io-file for a generic read-and-store pass.
func poolForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".docx", ".doc", ".xlsx", ".xls", ".pptx", ".ppt":
		return "cpu-extract"
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif":
		return "cpu-image"
	case ".zip", ".tar", ".gz", ".7z", ".rar":
		return "cpu-archive"
	default:
		return "io-file"
	}
}

// emitStageCompleted announces a stage's successful round-trip on the event
// bus, e.g. ingest.document.completed from source pipeline-ingest. A nil bus
// (pipeline built without one, as in most tests) emits nothing.
func emitStageCompleted(bus *eventbus.Bus, stage string, payload map[string]any) {
	if bus == nil {
		return
	}
	bus.Emit(context.Background(), stage+".document.completed", payload, "pipeline-"+stage)
}

// IngestStage accepts a file reference (a path or inline bytes) and routes
// it to the appropriate worker pool for initial extraction.
type IngestStage struct {
	BaseStage
	Dispatcher *dispatcher.Dispatcher
	Bus        *eventbus.Bus
}

// NewIngestStage builds the ingest stage.
func NewIngestStage(d *dispatcher.Dispatcher, bus *eventbus.Bus) *IngestStage {
	return &IngestStage{BaseStage: BaseStage{StageName: "ingest"}, Dispatcher: d, Bus: bus}
}

// Validate requires either a file_path or inline file_bytes in the context
// — a document with neither has nothing for this stage to ingest.
func (s *IngestStage) Validate(ctx Context) bool {
	_, hasPath := ctx["file_path"]
	_, hasBytes := ctx["file_bytes"]
	return hasPath || hasBytes
}

func (s *IngestStage) Process(ctx Context) StageResult {
	started := time.Now().UTC()

	documentID, _ := ctx["document_id"].(string)
	if documentID == "" {
		documentID = uuid.NewString()
	}

	if s.Dispatcher == nil {
		return StageResult{
			StageName: s.Name(),
			Status:    StatusSkipped,
			Error:     "worker dispatch unavailable",
			StartedAt: started,
		}
	}

	filePath, _ := ctx["file_path"].(string)
	pool := poolForFile(filePath)

	payload := map[string]any{
		"document_id": documentID,
		"file_path":   filePath,
	}
	if raw, ok := ctx["file_bytes"]; ok {
		payload["file_bytes"] = raw
	}

	result, err := s.Dispatcher.EnqueueAndWait(context.Background(), pool, payload, 1, dispatchTimeout)
	if err != nil {
		return StageResult{
			StageName: s.Name(),
			Status:    StatusFailed,
			Error:     err.Error(),
			StartedAt: started,
		}
	}

	output := map[string]any{"document_id": documentID, "ingest_pool": pool}
	for k, v := range result {
		output[k] = v
	}
	emitStageCompleted(s.Bus, s.Name(), map[string]any{"document_id": documentID, "pool": pool})

	return StageResult{
		StageName: s.Name(),
		Status:    StatusCompleted,
		Output:    output,
		StartedAt: started,
	}
}

// OCRStage extracts text from a document that isn't already text-native.
type OCRStage struct {
	BaseStage
	Dispatcher *dispatcher.Dispatcher
	Bus        *eventbus.Bus
}

// NewOCRStage builds the OCR stage.
func NewOCRStage(d *dispatcher.Dispatcher, bus *eventbus.Bus) *OCRStage {
	return &OCRStage{BaseStage: BaseStage{StageName: "ocr"}, Dispatcher: d, Bus: bus}
}

// ShouldSkip bypasses OCR for documents ingest already found to be
// text-native (has_text set), e.g. a plain text or born-digital office
// document whose extraction produced usable text without rasterizing.
func (s *OCRStage) ShouldSkip(ctx Context) bool {
	if hasText, _ := ctx["has_text"].(bool); hasText {
		return true
	}
	text, _ := ctx["extracted_text"].(string)
	return text != ""
}

func (s *OCRStage) Validate(ctx Context) bool {
	_, hasDoc := ctx["document_id"]
	return hasDoc
}

func (s *OCRStage) Process(ctx Context) StageResult {
	started := time.Now().UTC()
	if s.Dispatcher == nil {
		return StageResult{StageName: s.Name(), Status: StatusSkipped, Error: "worker dispatch unavailable", StartedAt: started}
	}

	documentID, _ := ctx["document_id"].(string)
	pool := "gpu-paddle"

	result, err := s.Dispatcher.EnqueueAndWait(context.Background(), pool, map[string]any{
		"document_id": documentID,
		"file_path":   ctx["file_path"],
	}, 1, dispatchTimeout)
	if err != nil {
		return StageResult{StageName: s.Name(), Status: StatusFailed, Error: err.Error(), StartedAt: started}
	}
	emitStageCompleted(s.Bus, s.Name(), map[string]any{"document_id": documentID, "pool": pool})

	return StageResult{StageName: s.Name(), Status: StatusCompleted, Output: result, StartedAt: started}
}

// ParseStage turns extracted text into structured entities and chunks.
type ParseStage struct {
	BaseStage
	Dispatcher *dispatcher.Dispatcher
	Bus        *eventbus.Bus
}

// NewParseStage builds the parse stage.
func NewParseStage(d *dispatcher.Dispatcher, bus *eventbus.Bus) *ParseStage {
	return &ParseStage{BaseStage: BaseStage{StageName: "parse"}, Dispatcher: d, Bus: bus}
}

func (s *ParseStage) Validate(ctx Context) bool {
	text, _ := ctx["extracted_text"].(string)
	return text != ""
}

func (s *ParseStage) Process(ctx Context) StageResult {
	started := time.Now().UTC()
	if s.Dispatcher == nil {
		return StageResult{StageName: s.Name(), Status: StatusSkipped, Error: "worker dispatch unavailable", StartedAt: started}
	}

	documentID, _ := ctx["document_id"].(string)
	result, err := s.Dispatcher.EnqueueAndWait(context.Background(), "cpu-ner", map[string]any{
		"document_id":    documentID,
		"extracted_text": ctx["extracted_text"],
	}, 1, dispatchTimeout)
	if err != nil {
		return StageResult{StageName: s.Name(), Status: StatusFailed, Error: err.Error(), StartedAt: started}
	}
	emitStageCompleted(s.Bus, s.Name(), map[string]any{"document_id": documentID, "pool": "cpu-ner"})

	return StageResult{StageName: s.Name(), Status: StatusCompleted, Output: result, StartedAt: started}
}

// EmbedStage computes vector embeddings for the document's chunks.
type EmbedStage struct {
	BaseStage
	Dispatcher *dispatcher.Dispatcher
	Bus        *eventbus.Bus
}

// NewEmbedStage builds the embed stage.
func NewEmbedStage(d *dispatcher.Dispatcher, bus *eventbus.Bus) *EmbedStage {
	return &EmbedStage{BaseStage: BaseStage{StageName: "embed"}, Dispatcher: d, Bus: bus}
}

func (s *EmbedStage) Validate(ctx Context) bool {
	_, hasChunks := ctx["chunks"]
	return hasChunks
}

func (s *EmbedStage) Process(ctx Context) StageResult {
	started := time.Now().UTC()
	if s.Dispatcher == nil {
		return StageResult{StageName: s.Name(), Status: StatusSkipped, Error: "worker dispatch unavailable", StartedAt: started}
	}

	documentID, _ := ctx["document_id"].(string)
	result, err := s.Dispatcher.EnqueueAndWait(context.Background(), "gpu-embed", map[string]any{
		"document_id": documentID,
		"chunks":      ctx["chunks"],
	}, 1, dispatchTimeout)
	if err != nil {
		return StageResult{StageName: s.Name(), Status: StatusFailed, Error: err.Error(), StartedAt: started}
	}
	emitStageCompleted(s.Bus, s.Name(), map[string]any{"document_id": documentID, "pool": "gpu-embed"})

	return StageResult{StageName: s.Name(), Status: StatusCompleted, Output: result, StartedAt: started}
}

// NewDefault builds the standard four-stage document pipeline. bus may be
// nil, in which case stages run without emitting completion events.
func NewDefault(d *dispatcher.Dispatcher, bus *eventbus.Bus) *Coordinator {
	c := New()
	c.AddStage(NewIngestStage(d, bus))
	c.AddStage(NewOCRStage(d, bus))
	c.AddStage(NewParseStage(d, bus))
	c.AddStage(NewEmbedStage(d, bus))
	return c
}
