// Package ingest turns uploaded documents into embedded chunks for
// retrieval: extract plain text, chunk it, embed the chunks in
// batches, and store the document atomically.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	loom "github.com/nevindra/loom"
)

// Result holds the outcome of one ingest operation.
type Result struct {
	DocumentID string `json:"documentId"`
	Title      string `json:"title"`
	ChunkCount int    `json:"chunkCount"`
}

// Ingestor is the extract -> chunk -> embed -> store pipeline.
type Ingestor struct {
	docs       loom.DocStore
	embedder   loom.EmbeddingProvider
	chunker    Chunker
	extractors map[ContentType]Extractor
	batchSize  int
	log        *slog.Logger
}

// New creates an Ingestor with the built-in extractors and the default
// recursive chunker.
func New(docs loom.DocStore, embedder loom.EmbeddingProvider, opts ...Option) *Ingestor {
	ing := &Ingestor{
		docs:     docs,
		embedder: embedder,
		chunker:  NewRecursiveChunker(),
		extractors: map[ContentType]Extractor{
			TypePlainText: PlainTextExtractor{},
			TypeMarkdown:  MarkdownExtractor{},
			TypeHTML:      HTMLExtractor{},
			TypePDF:       NewPDFExtractor(),
		},
		batchSize: 64,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(ing)
	}
	return ing
}

// IngestText ingests already-plain text into the given collection.
func (ing *Ingestor) IngestText(ctx context.Context, collection, title, source, text string) (Result, error) {
	return ing.store(ctx, collection, title, source, collapseWhitespace(text))
}

// IngestFile ingests raw file content, picking the extractor from the
// filename extension.
func (ing *Ingestor) IngestFile(ctx context.Context, collection, filename string, content []byte) (Result, error) {
	ct := ContentTypeFromExtension(strings.TrimPrefix(filepath.Ext(filename), "."))
	extractor, ok := ing.extractors[ct]
	if !ok {
		extractor = PlainTextExtractor{}
	}

	text, err := extractor.Extract(content)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", ct, err)
	}
	return ing.store(ctx, collection, filepath.Base(filename), filename, text)
}

// IngestReader reads everything from r and ingests it as filename.
func (ing *Ingestor) IngestReader(ctx context.Context, collection, filename string, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read: %w", err)
	}
	return ing.IngestFile(ctx, collection, filename, data)
}

// Delete removes a document and its chunks.
func (ing *Ingestor) Delete(ctx context.Context, documentID string) error {
	return ing.docs.DeleteDocument(ctx, documentID)
}

func (ing *Ingestor) store(ctx context.Context, collection, title, source, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("document %q has no extractable text", title)
	}

	doc := loom.Document{
		ID:         loom.NewID(),
		Collection: collection,
		Title:      title,
		Source:     source,
		Content:    text,
		CreatedAt:  loom.NowUnixMilli(),
	}

	pieces := ing.chunker.Chunk(text)
	chunks := make([]loom.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = loom.Chunk{
			ID:         loom.NewID(),
			DocumentID: doc.ID,
			Index:      i,
			Content:    p,
		}
	}

	if err := ing.embedChunks(ctx, chunks); err != nil {
		return Result{}, err
	}

	if err := ing.docs.StoreDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("store document: %w", err)
	}

	ing.log.Info("document ingested",
		"document_id", doc.ID, "collection", collection,
		"title", title, "chunks", len(chunks))
	return Result{DocumentID: doc.ID, Title: title, ChunkCount: len(chunks)}, nil
}

// embedChunks embeds chunk contents in batches of batchSize.
func (ing *Ingestor) embedChunks(ctx context.Context, chunks []loom.Chunk) error {
	for i := 0; i < len(chunks); i += ing.batchSize {
		end := min(i+ing.batchSize, len(chunks))
		batch := chunks[i:end]

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Content
		}

		vecs, err := ing.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		for j := range batch {
			if j < len(vecs) {
				chunks[i+j].Embedding = vecs[j]
			}
		}
	}
	return nil
}
