package voice

import "strings"

// SpeechUnit is one speakable piece of an answer, in generation order.
type SpeechUnit struct {
	Text    string
	IsFinal bool
}

// SplitSentences cuts buf into complete sentences and an unterminated remainder.
//
// A sentence ends at a run of '.', '!' or '?' (kept with the sentence, along with
// any closing quotes or brackets right after it). Inside the buffer a terminator
// only counts when whitespace follows it, so "4.5" stays intact; at the very end
// of the buffer it always counts. Whitespace is never dropped: trailing whitespace
// is attached to the last sentence, so joining the units and the remainder gives
// back buf byte for byte. Callers trim before speaking.
func SplitSentences(buf string) ([]string, string) {
	var units []string
	start := 0
	for i := 0; i < len(buf); {
		if !isSentenceTerminator(buf[i]) {
			i++
			continue
		}
		j := i
		for j < len(buf) && isSentenceTerminator(buf[j]) {
			j++
		}
		for j < len(buf) && isSentenceCloser(buf[j]) {
			j++
		}
		if j < len(buf) && !isSpaceByte(buf[j]) {
			i = j
			continue
		}
		units = append(units, buf[start:j])
		start = j
		i = j
	}

	rest := buf[start:]
	if len(units) > 0 && strings.TrimSpace(rest) == "" {
		units[len(units)-1] += rest
		rest = ""
	}
	return units, rest
}

func isSentenceTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func isSentenceCloser(b byte) bool {
	switch b {
	case '"', '\'', ')', ']':
		return true
	default:
		return false
	}
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
