package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// sentenceBuffer accumulates streamed assistant text and yields complete
// speakable chunks at sentence boundaries, recognizing both Latin (.!?) and
// CJK (。！？) sentence enders so the same buffer works for bilingual replies
// (spec §4.7). A soft minimum chunk length avoids cutting TTS requests too
// finely, trading a little first-byte latency for better prosody.
type sentenceBuffer struct {
	buf           strings.Builder
	minChunkChars int
}

const defaultMinChunkChars = 40

func newSentenceBuffer() *sentenceBuffer {
	return &sentenceBuffer{minChunkChars: defaultMinChunkChars}
}

// Add appends a token and returns any complete sentence(s) ready for TTS, or
// "" if no boundary has been reached (or the pending text is still shorter
// than the soft minimum).
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete == "" {
		return ""
	}
	if utf8.RuneCountInString(complete) < s.minChunkChars {
		// too short to speak on its own yet — keep accumulating
		return ""
	}
	s.buf.Reset()
	s.buf.WriteString(remainder)
	return complete
}

// Flush returns any remaining buffered text, regardless of the soft minimum
// (called once Brain has finished producing the assistant reply).
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var latinSentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}
var cjkSentenceEnders = map[rune]bool{'。': true, '！': true, '？': true}

// splitAtSentence finds the last sentence boundary in text: a Latin ender
// followed by whitespace, or a CJK ender (which needs no trailing space,
// since CJK prose is not space-delimited). Returns (completeSentences,
// remainder); if no boundary is found, returns ("", text).
func splitAtSentence(text string) (string, string) {
	runes := []rune(text)
	lastIdx := -1 // index (in runes) of the start of the remainder

	for i, r := range runes {
		if cjkSentenceEnders[r] {
			lastIdx = i + 1
		} else if r < utf8.RuneSelf && latinSentenceEnders[byte(r)] {
			if i+1 < len(runes) && isWordBoundaryRune(runes[i+1]) {
				lastIdx = i + 1
			}
		}
	}

	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(string(runes[:lastIdx])), string(runes[lastIdx:])
}

func isWordBoundaryRune(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t'
}

// chunkForSpeech splits a complete assistant reply into speakable chunks
// (spec §4.7) by replaying it word-by-word through a sentenceBuffer, the
// same way Brain's streaming text deltas would arrive one token at a time.
// This lets a single already-complete string (e.g. the final text returned
// by a non-streaming LLMProvider or Brain.Run) reuse the identical chunking
// behavior a token-at-a-time caller would get from sentenceBuffer directly.
func chunkForSpeech(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	buf := newSentenceBuffer()
	var chunks []string
	words := strings.Fields(text)
	for i, word := range words {
		token := word
		if i < len(words)-1 {
			token += " "
		}
		if c := buf.Add(token); c != "" {
			chunks = append(chunks, c)
		}
	}
	if rest := buf.Flush(); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}
