package executor

import (
	"fmt"
	"regexp"
	"strings"
)

// MaskToken replaces every captured group of a mask pattern in logged commands.
const MaskToken = "<*masked*>"

// CompileMask validates a mask pattern. An empty pattern yields nil.
func CompileMask(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid mask pattern %q: %w", pattern, err)
	}
	return re, nil
}

// MaskCommand returns cmd as it should appear in logs: trailing whitespace
// trimmed, then every capturing group matched by base and then by override
// replaced with MaskToken. Either pattern may be nil.
func MaskCommand(cmd string, base, override *regexp.Regexp) string {
	cmd = strings.TrimRight(cmd, " \t\r\n")
	if base != nil {
		cmd = maskGroups(cmd, base)
	}
	if override != nil {
		cmd = maskGroups(cmd, override)
	}
	return cmd
}

func maskGroups(text string, re *regexp.Regexp) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		// m[0:2] is the whole match; groups follow in pairs.
		for g := 2; g+1 < len(m); g += 2 {
			start, end := m[g], m[g+1]
			if start < 0 || start < last {
				continue
			}
			b.WriteString(text[last:start])
			b.WriteString(MaskToken)
			last = end
		}
	}
	b.WriteString(text[last:])
	return b.String()
}
