// Package embedder turns chunk text and queries into dense vectors for the
// semantic search signal.
//
// Two kinds of provider are available. The local provider hashes tokenizer
// output into a fixed number of signed buckets and L2-normalises the result;
// it is deterministic and works offline. The HTTP provider talks to any
// OpenAI-compatible embeddings endpoint (OpenAI and Jina AI presets are
// built in) with batching and exponential backoff.
//
// New wraps whichever provider is configured in an LRU cache keyed by the
// blake3 digest of the input text:
//
//	emb, err := embedder.New(embedder.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	vec, err := emb.Embed(ctx, "func ParseFile(path string) error")
package embedder
