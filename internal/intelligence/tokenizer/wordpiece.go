package tokenizer

// wordPiece splits one pre-tokenized word greedily into the longest
// vocabulary pieces, continuation pieces carrying the "##" prefix. A word
// with any unmatchable remainder becomes a single [UNK].
func (t *WordPiece) wordPiece(word string) []string {
	runes := []rune(word)
	n := len(runes)
	if n == 0 {
		return nil
	}
	if t.maxWordChars > 0 && n > t.maxWordChars {
		return []string{t.unknownToken}
	}
	if _, ok := t.vocab[word]; ok {
		return []string{word}
	}

	var pieces []string
	start := 0
	for start < n {
		end := n
		if t.maxPieceLen > 0 && end-start > t.maxPieceLen {
			end = start + t.maxPieceLen
		}
		var match string
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				match = sub
				break
			}
			end--
		}
		if match == "" {
			return []string{t.unknownToken}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}
