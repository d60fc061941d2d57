package parser

import "strings"

// rawBlock is one delimited span found by extractBlocks, before JSON
// decoding. missingEnd marks a block that opened with BlockOpen but never
// found a matching BlockClose before the text ran out; its content is
// everything from the open delimiter to the end of
// text, since no further opens can be meaningfully located past a dangling
// one.
type rawBlock struct {
	content    string
	beforeText string
	afterText  string
	missingEnd bool
}

// extractBlocks scans text for every BlockOpen/BlockClose pair, in order.
// beforeText/afterText are only meaningfully populated relative to the
// whole input: beforeText for the first block is the prose preceding it,
// afterText for the last block is the prose following it (interior prose
// between two blocks is dropped, matching ParseMultiple's one-preamble
// contract). A dangling open with no close terminates the scan and is
// reported as the final block with missingEnd set, rather than silently
// dropped.
func extractBlocks(text string) []rawBlock {
	var blocks []rawBlock

	cursor := 0
	firstStart := -1
	for {
		openIdx := strings.Index(text[cursor:], BlockOpen)
		if openIdx == -1 {
			break
		}
		openIdx += cursor
		contentStart := openIdx + len(BlockOpen)

		if firstStart == -1 {
			firstStart = openIdx
		}

		closeIdx := strings.Index(text[contentStart:], BlockClose)
		if closeIdx == -1 {
			blocks = append(blocks, rawBlock{
				content:    strings.TrimSpace(text[contentStart:]),
				missingEnd: true,
			})
			cursor = len(text)
			break
		}
		closeIdx += contentStart

		content := strings.TrimSpace(text[contentStart:closeIdx])
		blocks = append(blocks, rawBlock{content: content})

		cursor = closeIdx + len(BlockClose)
	}

	if len(blocks) == 0 {
		return nil
	}

	blocks[0].beforeText = strings.TrimSpace(text[:firstStart])
	if !blocks[len(blocks)-1].missingEnd {
		blocks[len(blocks)-1].afterText = strings.TrimSpace(text[cursor:])
	}

	return blocks
}
