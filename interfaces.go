package reasoning

import "context"

// Runner executes one named pipe call against a model backend.
// When provided via WithRunner, replaces the configured Langbase/Ollama
// backend. Uses only public types (Message, PipeResult) so external
// consumers never import internal packages; New() wraps the implementation
// in an adapter.
type Runner interface {
	Run(ctx context.Context, pipe string, messages []Message) (PipeResult, error)
}

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces auto-detected
// Ollama/OpenAI/noop. Uses []float32 (not pgvector.Vector) to avoid forcing
// the pgvector dependency on external consumers. App.New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}
