package backend

import "strings"

// Chunk is one item of a backend stream. Adapters translate their native
// wire shapes into exactly one member of the closed set below, so chunk
// heterogeneity never leaks past this package.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText         ChunkType = "text"
	ChunkTypeMessageBatch ChunkType = "message_batch"
	ChunkTypeResponse     ChunkType = "response"
	ChunkTypeRaw          ChunkType = "raw"
	ChunkTypeError        ChunkType = "error"
)

// TextChunk carries one incremental text delta.
type TextChunk struct{ Text string }

// MessageBatchChunk carries whole messages streamed as a batch.
type MessageBatchChunk struct{ Texts []string }

// ResponseChunk carries the full-response payload some providers attach to
// their final chunk. It is never surfaced as a live delta; the extractor
// caches it for the end-of-stream fallback.
type ResponseChunk struct {
	Result   string
	Messages []string
}

// RawChunk carries an untyped provider payload none of the adapters
// recognized. The extractor resolves its keys.
type RawChunk struct{ Fields map[string]any }

// ErrChunk terminates a stream with a transport or provider error.
type ErrChunk struct{ Err error }

func (c *TextChunk) chunkType() ChunkType         { return ChunkTypeText }
func (c *MessageBatchChunk) chunkType() ChunkType { return ChunkTypeMessageBatch }
func (c *ResponseChunk) chunkType() ChunkType     { return ChunkTypeResponse }
func (c *RawChunk) chunkType() ChunkType          { return ChunkTypeRaw }
func (c *ErrChunk) chunkType() ChunkType          { return ChunkTypeError }

// Extractor normalizes stream chunks into printable text deltas and
// remembers the most recent full-response payload, so a stream that never
// yielded a delta can still produce a result.
//
// Not safe for concurrent use; each stream consumer owns one.
type Extractor struct {
	lastResponse string
}

// Deltas returns the text deltas carried by c, zero or more. Response
// payloads yield no deltas; they update the cached fallback instead.
func (x *Extractor) Deltas(c Chunk) []string {
	switch c := c.(type) {
	case *TextChunk:
		if c.Text != "" {
			return []string{c.Text}
		}
	case *MessageBatchChunk:
		var out []string
		for _, t := range c.Texts {
			if strings.TrimSpace(t) != "" {
				out = append(out, t)
			}
		}
		return out
	case *ResponseChunk:
		if strings.TrimSpace(c.Result) != "" {
			x.lastResponse = c.Result
			return nil
		}
		var kept []string
		for _, t := range c.Messages {
			if strings.TrimSpace(t) != "" {
				kept = append(kept, t)
			}
		}
		if len(kept) > 0 {
			x.lastResponse = strings.Join(kept, "\n")
		}
	case *RawChunk:
		if s, ok := rawDelta(c.Fields); ok {
			return []string{s}
		}
	}
	return nil
}

// LastResponse returns the cached full-response text, empty when no chunk
// carried one.
func (x *Extractor) LastResponse() string { return x.lastResponse }

// rawDelta resolves the delta, text and content keys of an untyped chunk,
// in that order. A delta value may itself be a mapping carrying text or
// content.
func rawDelta(fields map[string]any) (string, bool) {
	for _, key := range []string{"delta", "text", "content"} {
		switch v := fields[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v, true
			}
		case map[string]any:
			if key != "delta" {
				continue
			}
			for _, sub := range []string{"text", "content"} {
				if s, ok := v[sub].(string); ok && strings.TrimSpace(s) != "" {
					return s, true
				}
			}
		}
	}
	return "", false
}
