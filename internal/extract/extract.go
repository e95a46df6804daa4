// Package extract recovers code artifacts from free-form LLM output.
package extract

import (
	"strings"
)

// fencedBlock is one markdown-fenced region found in raw model output.
type fencedBlock struct {
	tag  string
	body string
}

// languageTags maps a request language to the fence tags models use for it.
var languageTags = map[string][]string{
	"python":     {"python", "py"},
	"javascript": {"javascript", "js"},
	"typescript": {"typescript", "ts"},
}

// Extract pulls a single code artifact out of free-form model output.
//
// Resolution order: fenced blocks tagged for the target language, then
// untagged fenced blocks, then the whole input treated as already-extracted
// code. When several blocks carry the same tag the longest one wins; agent
// output tends to iterate toward the final artifact, which is usually the
// largest block. This is a heuristic, not a parser.
//
// Extract is idempotent: plain code with no fence markers passes through
// trimmed but otherwise unchanged. Empty or whitespace-only input yields "".
func Extract(raw, language string) string {
	blocks := scanFencedBlocks(raw)

	if tags, ok := languageTags[strings.ToLower(language)]; ok {
		if body := longestWithTag(blocks, tags); body != "" {
			return body
		}
	}

	if body := longestWithTag(blocks, []string{""}); body != "" {
		return body
	}

	return strings.TrimSpace(raw)
}

// scanFencedBlocks collects closed ``` regions. Unterminated fences are
// ignored, matching the original extraction behavior.
func scanFencedBlocks(raw string) []fencedBlock {
	var blocks []fencedBlock
	lines := strings.Split(raw, "\n")

	inBlock := false
	tag := ""
	var body []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inBlock {
				blocks = append(blocks, fencedBlock{
					tag:  tag,
					body: strings.TrimSpace(strings.Join(body, "\n")),
				})
				inBlock = false
				body = nil
				continue
			}
			inBlock = true
			tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
			continue
		}
		if inBlock {
			body = append(body, line)
		}
	}

	return blocks
}

// longestWithTag returns the longest block body whose tag is in tags.
func longestWithTag(blocks []fencedBlock, tags []string) string {
	best := ""
	for _, b := range blocks {
		for _, t := range tags {
			if b.tag == t && len(b.body) > len(best) {
				best = b.body
			}
		}
	}
	return best
}

// codeTokens lists substrings that mark a message as plausible source code.
// The generic set is always checked; per-language sets sharpen the heuristic.
var codeTokens = map[string][]string{
	"":           {"def ", "class ", "import ", "return", "="},
	"python":     {"def ", "class ", "import ", "lambda ", "return", "="},
	"javascript": {"function", "const ", "let ", "=>", "class ", "import ", "return", "="},
	"typescript": {"function", "const ", "let ", "=>", "interface ", "class ", "import ", "return", "="},
}

// LooksLikeSource reports whether text resembles source code in the given
// language. It is an admission gate, not a syntax check; real validation
// happens later via the syntax capability.
func LooksLikeSource(text, language string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	tokens, ok := codeTokens[strings.ToLower(language)]
	if !ok {
		tokens = codeTokens[""]
	}
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			return true
		}
	}
	return false
}
