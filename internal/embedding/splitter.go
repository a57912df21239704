package embedding

import "strings"

// DefaultSeparators is the priority-ordered separator cascade used by the
// recursive character splitter.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// SplitConfig bounds a recursive character split.
type SplitConfig struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// DefaultSplitConfig returns the spec's default chunking parameters.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{ChunkSize: 1000, ChunkOverlap: 200, Separators: DefaultSeparators}
}

// SplitText segments text into chunks of at most cfg.ChunkSize runes,
// trying separators in priority order before falling back to a hard cut,
// and re-joins consecutive pieces up to chunk_size with up to
// chunk_overlap runes of trailing context carried into the next chunk. Deterministic: identical
// input and config always produce identical output.
func SplitText(text string, cfg SplitConfig) []string {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}

	pieces := splitRecursive(text, seps, cfg.ChunkSize)
	return mergePieces(pieces, cfg.ChunkSize, cfg.ChunkOverlap)
}

// splitRecursive breaks text into pieces no longer than chunkSize runes,
// preferring to cut on the earliest-priority separator that is present,
// and recursing into any piece still too long using the remaining
// separators.
func splitRecursive(text string, separators []string, chunkSize int) []string {
	if len([]rune(text)) <= chunkSize {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	if len(separators) == 0 {
		return hardSplit(text, chunkSize)
	}

	sep := separators[0]
	rest := separators[1:]

	var parts []string
	if sep == "" {
		parts = hardSplit(text, chunkSize)
	} else {
		parts = strings.Split(text, sep)
		// Re-attach the separator to every part but the last, so sentence/
		// paragraph boundaries are preserved in the output text.
		for i := 0; i < len(parts)-1; i++ {
			parts[i] = parts[i] + sep
		}
	}

	var out []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if len([]rune(p)) > chunkSize {
			out = append(out, splitRecursive(p, rest, chunkSize)...)
		} else {
			out = append(out, p)
		}
	}
	return out
}

func hardSplit(text string, chunkSize int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// mergePieces greedily packs small pieces together up to chunkSize,
// carrying up to chunkOverlap runes of trailing context from the previous
// chunk into the next one, shortened so the next chunk stays within
// chunkSize.
func mergePieces(pieces []string, chunkSize, chunkOverlap int) []string {
	if len(pieces) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, current.String())
		current.Reset()
		currentLen = 0
	}

	for _, p := range pieces {
		pLen := len([]rune(p))
		if currentLen > 0 && currentLen+pLen > chunkSize {
			prevText := current.String()
			flush()
			keep := chunkOverlap
			if keep > chunkSize-pLen {
				keep = chunkSize - pLen
			}
			if keep > 0 {
				current.WriteString(overlapTail(prevText, keep))
				currentLen = len([]rune(current.String()))
			}
		}
		current.WriteString(p)
		currentLen += pLen
	}
	flush()

	return chunks
}

func overlapTail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
