package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	loom "github.com/nevindra/loom"
)

type fakeDocStore struct {
	docs    []loom.Document
	chunks  [][]loom.Chunk
	deleted []string
	err     error
}

func (f *fakeDocStore) StoreDocument(ctx context.Context, doc loom.Document, chunks []loom.Chunk) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	f.chunks = append(f.chunks, chunks)
	return nil
}

func (f *fakeDocStore) DeleteDocument(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeEmbedder struct {
	dims  int
	calls int
	err   error
}

func (f *fakeEmbedder) Name() string    { return "fake" }
func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = make([]float32, f.dims)
		vecs[i][0] = float32(len(texts[i]))
	}
	return vecs, nil
}

func TestIngestText(t *testing.T) {
	store := &fakeDocStore{}
	emb := &fakeEmbedder{dims: 4}
	ing := New(store, emb)

	res, err := ing.IngestText(context.Background(), "docs", "Billing Guide", "upload", "Costs are estimated monthly.")
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.DocumentID == "" || res.ChunkCount != 1 {
		t.Errorf("Result = %+v", res)
	}
	if len(store.docs) != 1 {
		t.Fatalf("stored %d docs, want 1", len(store.docs))
	}
	doc := store.docs[0]
	if doc.Collection != "docs" || doc.Title != "Billing Guide" || doc.Source != "upload" {
		t.Errorf("Document = %+v", doc)
	}
	chunks := store.chunks[0]
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	if chunks[0].DocumentID != doc.ID || chunks[0].Index != 0 {
		t.Errorf("Chunk = %+v", chunks[0])
	}
	if len(chunks[0].Embedding) != 4 {
		t.Errorf("Embedding dims = %d, want 4", len(chunks[0].Embedding))
	}
}

func TestIngestFilePicksExtractor(t *testing.T) {
	store := &fakeDocStore{}
	ing := New(store, &fakeEmbedder{dims: 2})

	md := "# Title\n\nBody **bold** text."
	res, err := ing.IngestFile(context.Background(), "docs", "guide.md", []byte(md))
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Title != "guide.md" {
		t.Errorf("Title = %q", res.Title)
	}
	if got := store.docs[0].Content; strings.Contains(got, "**") || strings.Contains(got, "#") {
		t.Errorf("markdown markup survived extraction: %q", got)
	}
}

func TestIngestBatchesEmbeddings(t *testing.T) {
	store := &fakeDocStore{}
	emb := &fakeEmbedder{dims: 2}
	ing := New(store, emb,
		WithBatchSize(2),
		WithChunker(NewRecursiveChunker(WithMaxTokens(10), WithOverlapTokens(0))),
	)

	text := strings.Repeat("Sentence number one here. ", 30)
	res, err := ing.IngestText(context.Background(), "docs", "big", "src", text)
	if err != nil {
		t.Fatalf("IngestText: %v", err)
	}
	if res.ChunkCount < 3 {
		t.Fatalf("ChunkCount = %d, want several", res.ChunkCount)
	}
	wantCalls := (res.ChunkCount + 1) / 2
	if emb.calls != wantCalls {
		t.Errorf("embed calls = %d, want %d for %d chunks", emb.calls, wantCalls, res.ChunkCount)
	}
	for i, c := range store.chunks[0] {
		if len(c.Embedding) == 0 {
			t.Errorf("chunk %d has no embedding", i)
		}
	}
}

func TestIngestEmptyDocumentRejected(t *testing.T) {
	ing := New(&fakeDocStore{}, &fakeEmbedder{dims: 2})
	if _, err := ing.IngestText(context.Background(), "docs", "empty", "src", "   "); err == nil {
		t.Error("expected error for empty document")
	}
}

func TestIngestEmbedFailurePropagates(t *testing.T) {
	store := &fakeDocStore{}
	emb := &fakeEmbedder{dims: 2, err: errors.New("quota exceeded")}
	ing := New(store, emb)

	_, err := ing.IngestText(context.Background(), "docs", "t", "s", "some content")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("err = %v, want embed failure", err)
	}
	if len(store.docs) != 0 {
		t.Error("document stored despite embed failure")
	}
}

func TestDeleteForwards(t *testing.T) {
	store := &fakeDocStore{}
	ing := New(store, &fakeEmbedder{dims: 2})
	if err := ing.Delete(context.Background(), "doc-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "doc-1" {
		t.Errorf("deleted = %v", store.deleted)
	}
}
