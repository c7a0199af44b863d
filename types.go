package reasoning

// Message is one chat turn sent to a pipe.
// A curated mirror of internal/pipes.Message with no internal imports —
// safe to use from outside the module.
type Message struct {
	Role    string
	Content string
}

// PipeResult is a pipe completion plus call metadata.
type PipeResult struct {
	// Text is the raw completion.
	Text string
	// Pipe is the pipe name that served the call.
	Pipe string
	// LatencyMS is the wall-clock duration of the backend call.
	LatencyMS int64
}
