package wire

import (
	"strings"

	"github.com/tidwall/gjson"
)

// FlattenText reduces a message content value to plain text. The gateway
// emits content either as a bare string or as a list of typed parts; only
// text-bearing parts contribute.
func FlattenText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return ""
}
