// Package loom orchestrates chat completions for conversational agents.
//
// A completion runs as a pipeline of stages that share a PipelineContext
// and stream progress to the caller through a Sink:
//
//	sink := loom.NewChanSink(64)
//	pipe := loom.NewPipeline(store, router, provider, loom.WithRetriever(rag))
//	go pipe.Run(ctx, req, user, sink)
//	for ev := range sink.Events() { ... }
//
// The completion stage drives the model in rounds: stream deltas, execute
// any requested tool calls, feed results back, repeat until the model
// produces a final answer or the round budget runs out. Tool results and
// semantically similar prompts are cached between requests.
//
// Core interfaces are small and swappable: Provider (model backends),
// MessageStore (durable conversation state), ExactCache and
// SemanticCacheStore (the two cache tiers), EmbeddingProvider,
// MemoryProvider and Sink. Implementations included here:
//
//   - provider/openaicompat: any OpenAI-compatible chat API
//   - provider/anthropic: Anthropic Messages API
//   - provider/gemini: Google Gemini API
//   - store/postgres: pgx + pgvector message and semantic cache store
//   - store/sqlite: embedded store for tests and single-node setups
//   - store/redis: exact-tier tool cache
//   - toolproxy: MCP tool execution over a central HTTP proxy
//   - code: sandboxed code execution sessions
//
// See cmd/loom for the HTTP server wiring and internal/app for the
// request handlers.
package loom
