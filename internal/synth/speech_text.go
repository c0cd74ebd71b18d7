package synth

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	urlPattern          = regexp.MustCompile(`https?://\S+`)
	markdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
	stageDirection      = regexp.MustCompile(`\*[^*\n]{1,40}\*`)
	symbolReplacer      = strings.NewReplacer("*", " ", "_", " ", "#", " ", "~", " ", "|", " ", "<", " ", ">", " ", "/", " ", "\\", " ")
)

// SanitizeSpeechText strips markup, emoji and stage directions like *smiles* so the voice
// reads only what the companion says.
func SanitizeSpeechText(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = markdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = urlPattern.ReplaceAllString(raw, " ")
	raw = stageDirection.ReplaceAllString(raw, " ")
	raw = symbolReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f':
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		case strings.ContainsRune(".,!?:;'\"-()", r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
