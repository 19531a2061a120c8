package reference

import (
	"strings"
)

// Byte-level vocabulary: ids 0-255 are raw bytes, specials follow.
const (
	tokBeginText int32 = 256 + iota
	tokStartHeader
	tokEndHeader
	tokEndTurn
	tokImage
	vocabSize
)

var specialText = map[int32]string{
	tokBeginText:   "<|begin_of_text|>",
	tokStartHeader: "<|start_header_id|>",
	tokEndHeader:   "<|end_header_id|>",
	tokEndTurn:     "<|eot_id|>",
	tokImage:       "<image>",
}

// tokenize maps text to ids, recognizing special token spellings.
func tokenize(text string) []int32 {
	ids := make([]int32, 0, len(text))
	for len(text) > 0 {
		if id, n, ok := matchSpecial(text); ok {
			ids = append(ids, id)
			text = text[n:]
			continue
		}
		ids = append(ids, int32(text[0]))
		text = text[1:]
	}
	return ids
}

func matchSpecial(text string) (int32, int, bool) {
	if text[0] != '<' {
		return 0, 0, false
	}
	for id := tokBeginText; id < vocabSize; id++ {
		if spelling := specialText[id]; strings.HasPrefix(text, spelling) {
			return id, len(spelling), true
		}
	}
	return 0, 0, false
}

// detokenize maps ids back to text. Invalid UTF-8 becomes U+FFFD so that
// streaming can hold back partial characters.
func detokenize(ids []int32, skipSpecial bool) string {
	var b strings.Builder
	var raw []byte
	flush := func() {
		b.WriteString(strings.ToValidUTF8(string(raw), "\uFFFD"))
		raw = raw[:0]
	}
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			raw = append(raw, byte(id))
		case skipSpecial:
		default:
			flush()
			b.WriteString(specialText[id])
		}
	}
	flush()
	return b.String()
}
