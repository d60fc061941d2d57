package parser

// Parser extracts and decodes response blocks from assistant transcript
// text. It holds no state; a zero-value Parser is ready to use.
type Parser struct{}

// New returns a ready-to-use Parser.
func New() *Parser {
	return &Parser{}
}

// ParseMultiple scans text for every response block and recovers/decodes
// each one independently, returning one ParseResult per block found. A
// block that fails recovery, decoding, or validation is still returned
// (with Found set and Err carrying the reason) rather than dropped, so one
// malformed block never hides the others in the same transcript chunk and
// never disappears without a trace either.
func (p *Parser) ParseMultiple(text string) []ParseResult {
	blocks := extractBlocks(text)
	if len(blocks) == 0 {
		return nil
	}

	results := make([]ParseResult, 0, len(blocks))
	for i, block := range blocks {
		result := ParseResult{Found: true}
		if i == 0 {
			result.BeforeText = block.beforeText
		}
		if i == len(blocks)-1 {
			result.AfterText = block.afterText
		}

		if block.missingEnd {
			result.Err = ErrMissingEnd
			results = append(results, result)
			continue
		}

		fields, err := recoverJSON(block.content)
		if err != nil {
			result.Err = err
			results = append(results, result)
			continue
		}

		phase, payload, err := decodeBlock(fields)
		if err != nil {
			result.Err = err
			results = append(results, result)
			continue
		}

		result.Phase = phase
		result.Data = payload
		results = append(results, result)
	}

	return results
}

// ParseOne is a convenience wrapper for the common case of a single
// expected block: it returns ErrParseFailed if none was found, and the
// block's own Err (ErrMissingEnd, ErrUnknownPhase, or a validation failure)
// if one was found but didn't decode cleanly.
func (p *Parser) ParseOne(text string) (ParseResult, error) {
	results := p.ParseMultiple(text)
	if len(results) == 0 {
		return ParseResult{}, ErrParseFailed
	}
	return results[0], results[0].Err
}

// Detect exposes the keyword-heuristic fallback for callers that already
// know ParseMultiple found nothing.
func (p *Parser) Detect(text string) DetectionResult {
	return Detect(text)
}
