package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrStreamDeltas = attribute.Key("llm.stream_deltas")

	AttrEmbedTextCount  = attribute.Key("llm.embed.text_count")
	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrToolServer       = attribute.Key("tool.server")
	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultBytes  = attribute.Key("tool.result_bytes")
	AttrToolRequestBytes = attribute.Key("tool.request_bytes")
	AttrToolProxyHost    = attribute.Key("tool.proxy_host")

	AttrCacheTier    = attribute.Key("toolcache.tier")
	AttrCacheOutcome = attribute.Key("toolcache.outcome")

	AttrSessionID = attribute.Key("pipeline.session_id")
	AttrStatus    = attribute.Key("pipeline.status")
)
