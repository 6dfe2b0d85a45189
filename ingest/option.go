package ingest

import "log/slog"

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithChunker replaces the default recursive chunker.
func WithChunker(c Chunker) Option {
	return func(ing *Ingestor) { ing.chunker = c }
}

// WithBatchSize sets the number of chunks per Embed call (default 64).
func WithBatchSize(n int) Option {
	return func(ing *Ingestor) { ing.batchSize = n }
}

// WithExtractor registers or replaces the extractor for a content type.
func WithExtractor(ct ContentType, e Extractor) Option {
	return func(ing *Ingestor) { ing.extractors[ct] = e }
}

// WithLogger sets the ingest logger.
func WithLogger(log *slog.Logger) Option {
	return func(ing *Ingestor) {
		if log != nil {
			ing.log = log
		}
	}
}
