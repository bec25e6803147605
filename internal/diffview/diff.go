package diffview

import (
	"fmt"
	"path/filepath"
	"strings"
)

// buildUnifiedDiff builds a compact single-hunk unified diff between two
// versions of a file. An empty string means the contents are identical.
func buildUnifiedDiff(path, oldContent, newContent string) string {
	oldNorm := normalizeLineEndings(oldContent)
	newNorm := normalizeLineEndings(newContent)
	if oldNorm == newNorm {
		return ""
	}

	oldLines := splitLines(oldNorm)
	newLines := splitLines(newNorm)

	prefix := 0
	for prefix < len(oldLines) && prefix < len(newLines) && oldLines[prefix] == newLines[prefix] {
		prefix++
	}

	suffix := 0
	for len(oldLines)-1-suffix >= prefix &&
		len(newLines)-1-suffix >= prefix &&
		oldLines[len(oldLines)-1-suffix] == newLines[len(newLines)-1-suffix] {
		suffix++
	}

	oldChangedEnd := len(oldLines) - suffix
	newChangedEnd := len(newLines) - suffix

	const contextLines = 1
	preStart := max(0, prefix-contextLines)
	postOldEnd := min(len(oldLines), oldChangedEnd+contextLines)
	postNewEnd := min(len(newLines), newChangedEnd+contextLines)

	oldCount := (prefix - preStart) + (oldChangedEnd - prefix) + (postOldEnd - oldChangedEnd)
	newCount := (prefix - preStart) + (newChangedEnd - prefix) + (postNewEnd - newChangedEnd)

	oldStart := preStart + 1
	newStart := preStart + 1
	if oldCount == 0 {
		oldStart = preStart
	}
	if newCount == 0 {
		newStart = preStart
	}

	displayPath := displayDiffPath(path)
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", displayPath)
	fmt.Fprintf(&b, "+++ b/%s\n", displayPath)
	fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)

	for _, line := range oldLines[preStart:prefix] {
		b.WriteString(" " + line + "\n")
	}
	for _, line := range oldLines[prefix:oldChangedEnd] {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range newLines[prefix:newChangedEnd] {
		b.WriteString("+" + line + "\n")
	}
	for i := 0; i < postOldEnd-oldChangedEnd && i < postNewEnd-newChangedEnd; i++ {
		b.WriteString(" " + oldLines[oldChangedEnd+i] + "\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func displayDiffPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "file"
	}
	p = filepath.ToSlash(filepath.Clean(p))
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." {
		return "file"
	}
	return p
}

func normalizeLineEndings(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
