package cmd

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		if lineWidth > 0 && lineWidth+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += len(word)
	}
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}
	return strings.Join(wrappedLines, "\n")
}

// stringList reads key as a list. Flags give a slice; environment variables
// give one string split on sep, since values like CEL expressions hold spaces.
func stringList(v *viper.Viper, key, sep string) []string {
	var items []string
	switch x := v.Get(key).(type) {
	case []string:
		items = x
	case []any:
		for _, i := range x {
			if s, ok := i.(string); ok {
				items = append(items, s)
			}
		}
	case string:
		items = strings.Split(x, sep)
	}
	r := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			r = append(r, s)
		}
	}
	return r
}
