package extraction

import (
	"strings"
	"unicode"
)

// stopWords marks tokens that carry no extractable content. An episode
// whose every token appears here is short-circuited to an empty
// extraction before any model call.
var stopWords = map[string]struct{}{
	// function words
	"a": {}, "about": {}, "above": {}, "after": {}, "again": {}, "against": {},
	"all": {}, "am": {}, "an": {}, "and": {}, "any": {}, "are": {}, "as": {},
	"at": {}, "be": {}, "because": {}, "been": {}, "before": {}, "being": {},
	"below": {}, "between": {}, "both": {}, "but": {}, "by": {}, "can": {},
	"did": {}, "do": {}, "does": {}, "doing": {}, "down": {}, "during": {},
	"each": {}, "few": {}, "for": {}, "from": {}, "further": {}, "had": {},
	"has": {}, "have": {}, "having": {}, "he": {}, "her": {}, "here": {},
	"hers": {}, "him": {}, "his": {}, "how": {}, "i": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "just": {}, "me": {}, "more": {},
	"most": {}, "my": {}, "no": {}, "nor": {}, "not": {}, "now": {}, "of": {},
	"off": {}, "on": {}, "once": {}, "only": {}, "or": {}, "other": {},
	"our": {}, "ours": {}, "out": {}, "over": {}, "own": {}, "same": {},
	"she": {}, "so": {}, "some": {}, "such": {}, "than": {}, "that": {},
	"the": {}, "their": {}, "theirs": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "through": {}, "to": {},
	"too": {}, "under": {}, "until": {}, "up": {}, "very": {}, "was": {},
	"we": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "who": {}, "whom": {}, "why": {}, "will": {}, "with": {},
	"you": {}, "your": {}, "yours": {},
	// conversational filler
	"ah": {}, "bye": {}, "cool": {}, "cya": {}, "good": {}, "goodbye": {},
	"great": {}, "haha": {}, "hehe": {}, "hello": {}, "hey": {}, "hi": {},
	"hmm": {}, "lol": {}, "nice": {}, "nope": {}, "oh": {}, "ok": {},
	"okay": {}, "please": {}, "sorry": {}, "sup": {}, "sure": {}, "thank": {},
	"thanks": {}, "thx": {}, "ty": {}, "wow": {}, "yeah": {}, "yep": {},
	"yes": {}, "yo": {},
}

// tokenize lower-cases and splits on anything that is not a letter or
// digit.
func tokenize(content string) []string {
	return strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// LowValue reports whether the content has nothing worth extracting:
// empty, punctuation-only, or made entirely of stop words and bare
// numbers.
func LowValue(content string) bool {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return true
	}
	for _, tok := range tokens {
		if _, ok := stopWords[tok]; ok {
			continue
		}
		if isNumericToken(tok) {
			continue
		}
		return false
	}
	return true
}

func isNumericToken(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(tok) > 0
}
