package processors

import (
	"strings"

	"github.com/sugarme/tokenizer"

	"videoCaption/config"
	"videoCaption/core"
)

// SpecialTokens are the vocabulary ids that delimit a decoded sequence.
type SpecialTokens struct {
	StartID int64
	EndID   int64
	PadID   int64
}

// Vocab maps token ids back to surface tokens. *tokenizer.Tokenizer
// satisfies it.
type Vocab interface {
	IdToToken(id int) (string, bool)
}

// ResolveSpecials looks up the configured start/end/pad tokens in the
// loaded tokenizer vocabulary.
func ResolveSpecials(tok *tokenizer.Tokenizer, cfg config.ModelConfig) (SpecialTokens, error) {
	var sp SpecialTokens
	for _, lookup := range []struct {
		token string
		dst   *int64
	}{
		{cfg.StartToken, &sp.StartID},
		{cfg.EndToken, &sp.EndID},
		{cfg.PadToken, &sp.PadID},
	} {
		id, ok := tok.TokenToId(lookup.token)
		if !ok {
			return sp, core.ModelLoadError("token "+lookup.token+" missing from vocabulary", nil)
		}
		*lookup.dst = int64(id)
	}
	return sp, nil
}

// Detokenize converts a decoded id sequence to a surface string: everything
// from the end token onward is trimmed, start and pad tokens are stripped,
// and wordpiece continuations ("##") join their predecessor without a
// space.
func Detokenize(v Vocab, ids []int64, sp SpecialTokens) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == sp.EndID {
			break
		}
		if id == sp.StartID || id == sp.PadID {
			continue
		}
		word, ok := v.IdToToken(int(id))
		if !ok || word == "" {
			continue
		}
		words = append(words, word)
	}
	return JoinWordpieces(words)
}

// JoinWordpieces renders a token list as text. It is the identity on plain
// whitespace-joined words.
func JoinWordpieces(words []string) string {
	var sb strings.Builder
	for i, w := range words {
		if cont, ok := strings.CutPrefix(w, "##"); ok && i > 0 {
			sb.WriteString(cont)
			continue
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w)
	}
	return sb.String()
}
