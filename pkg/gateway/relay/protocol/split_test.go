package protocol

import (
	"strings"
	"testing"
)

func audioEnvelope(content string) Envelope {
	return Envelope{Kind: KindAudioOutput, Payload: map[string]any{
		"promptName":  "p1",
		"contentName": "c1",
		"content":     content,
	}}
}

func joinContents(t *testing.T, chunks []Envelope) string {
	t.Helper()
	var b strings.Builder
	for _, c := range chunks {
		content, ok := c.Content()
		if !ok {
			t.Fatalf("chunk has no content: %+v", c)
		}
		b.WriteString(content)
	}
	return b.String()
}

func TestSplit_SmallEnvelopeUnchanged(t *testing.T) {
	env := Envelope{Kind: KindTextOutput, Payload: map[string]any{"content": "hi"}}
	chunks, oversized := Split(env, 10000)
	if oversized {
		t.Fatal("oversized=true")
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks)=%d", len(chunks))
	}
	if content, _ := chunks[0].Content(); content != "hi" {
		t.Fatalf("content=%q", content)
	}
}

func TestSplit_NoContentFieldReturnedUnchanged(t *testing.T) {
	env := Envelope{Kind: "usageEvent", Payload: map[string]any{
		"details": strings.Repeat("x", 2000),
	}}
	chunks, oversized := Split(env, 100)
	if !oversized {
		t.Fatal("oversized=false, want true")
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks)=%d", len(chunks))
	}
	if details, _ := chunks[0].StringField("details"); len(details) != 2000 {
		t.Fatal("envelope was modified")
	}
}

func TestSplit_AudioChunksAligned(t *testing.T) {
	content := strings.Repeat("ABCD", 10000) // 40000 chars, multiple of 4
	chunks, oversized := Split(audioEnvelope(content), 10000)
	if oversized {
		t.Fatal("oversized=true")
	}
	if len(chunks) < 4 {
		t.Fatalf("len(chunks)=%d, want >= 4", len(chunks))
	}
	for i, c := range chunks {
		part, _ := c.Content()
		if len(part) == 0 {
			t.Fatalf("chunk %d is empty", i)
		}
		if i < len(chunks)-1 && len(part)%4 != 0 {
			t.Fatalf("chunk %d length %d is not a multiple of 4", i, len(part))
		}
		raw, err := c.Marshal()
		if err != nil {
			t.Fatalf("marshal chunk %d: %v", i, err)
		}
		if len(raw) > 10000 {
			t.Fatalf("chunk %d serializes to %d bytes, over limit", i, len(raw))
		}
		if name, _ := c.StringField("promptName"); name != "p1" {
			t.Fatalf("chunk %d lost metadata", i)
		}
	}
	if got := joinContents(t, chunks); got != content {
		t.Fatalf("concatenated content differs: got %d bytes, want %d", len(got), len(content))
	}
}

func TestSplit_NonAudioConcatenationExact(t *testing.T) {
	content := strings.Repeat("hello world ", 3000)
	env := Envelope{Kind: KindTextOutput, Payload: map[string]any{"content": content}}
	chunks, oversized := Split(env, 8192)
	if oversized {
		t.Fatal("oversized=true")
	}
	if len(chunks) < 2 {
		t.Fatalf("len(chunks)=%d", len(chunks))
	}
	if got := joinContents(t, chunks); got != content {
		t.Fatal("concatenated content differs from source")
	}
}

func TestSplit_NonAudioMultiByteRunesSurviveSplit(t *testing.T) {
	content := strings.Repeat("héllo wörld ", 3000)
	env := Envelope{Kind: KindTextOutput, Payload: map[string]any{"content": content}}
	chunks, _ := Split(env, 4096)
	if len(chunks) < 2 {
		t.Fatalf("len(chunks)=%d", len(chunks))
	}
	for i, c := range chunks {
		part, _ := c.Content()
		if !strings.HasPrefix(content, joinContents(t, chunks[:i+1])) {
			t.Fatalf("chunk %d breaks prefix property (part=%q...)", i, part[:min(16, len(part))])
		}
	}
	if got := joinContents(t, chunks); got != content {
		t.Fatal("concatenated content differs from source")
	}
}

// Pins the padding behavior for audio content whose length is not a multiple
// of 4: the final chunk is padded with "=" to restore base64 shape, so the
// concatenation no longer equals the source. The padding cannot recover the
// torn final sample; it only keeps decoders from rejecting the chunk.
func TestSplit_AudioUnalignedSourcePadsFinalChunk(t *testing.T) {
	content := strings.Repeat("ABCD", 10000) + "AB" // 40002 chars, mod 4 == 2
	chunks, oversized := Split(audioEnvelope(content), 10000)
	if oversized {
		t.Fatal("oversized=true")
	}

	last, _ := chunks[len(chunks)-1].Content()
	if len(last)%4 != 0 {
		t.Fatalf("final chunk length %d is not a multiple of 4", len(last))
	}
	if !strings.HasSuffix(last, "==") {
		t.Fatalf("final chunk not padded: %q", last[len(last)-8:])
	}
	joined := joinContents(t, chunks)
	if joined == content {
		t.Fatal("concatenation unexpectedly equals source despite padding")
	}
	if strings.TrimRight(joined, "=") != content {
		t.Fatal("padding changed more than the base64 tail")
	}
}

func TestSplit_ScenarioTextOutputHi(t *testing.T) {
	env, err := Decode([]byte(`{"event":{"textOutput":{"content":"hi"}}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	chunks, oversized := Split(env, 10000)
	if oversized || len(chunks) != 1 {
		t.Fatalf("chunks=%d oversized=%v", len(chunks), oversized)
	}
	raw, err := chunks[0].Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Decode(raw)
	if err != nil {
		t.Fatalf("re-decode: %v", err)
	}
	if content, _ := back.Content(); content != "hi" {
		t.Fatalf("content=%q", content)
	}
}

func TestSplit_BudgetTooSmall(t *testing.T) {
	env := audioEnvelope(strings.Repeat("ABCD", 100))
	chunks, oversized := Split(env, 50)
	if !oversized {
		t.Fatal("oversized=false, want true when budget is unusable")
	}
	if len(chunks) != 1 {
		t.Fatalf("len(chunks)=%d", len(chunks))
	}
}
