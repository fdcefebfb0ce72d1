package capsule

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/simpleaide/internal/errors"
)

// ExportPatch renders every change as a unified diff against the checkout.
// Each file gets one hunk covering the whole file: all additions for a new
// file, all deletions for a removed one, otherwise the old content removed
// and the new content added. The output applies with `git apply`.
func (c *Capsule) ExportPatch() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.ErrCapsuleClosed
	}

	var b strings.Builder
	for _, change := range c.changesLocked() {
		original, existed, err := c.readBase(change.Path)
		if err != nil {
			return "", err
		}

		var current []byte
		if change.Kind != ChangeDeleted {
			current = c.modified[change.Path]
		} else if !existed {
			// Deleted a file that only ever existed in the overlay.
			continue
		}
		if existed && change.Kind != ChangeDeleted && bytes.Equal(original, current) {
			continue
		}
		writeFileDiff(&b, change.Path, original, current, existed, change.Kind == ChangeDeleted)
	}
	return b.String(), nil
}

func (c *Capsule) readBase(p string) ([]byte, bool, error) {
	data, err := afero.ReadFile(c.base, p)
	if err != nil {
		if isNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.NewCapsuleError("failed to read checkout", err).WithRunID(c.runID).WithPath(p)
	}
	return data, true, nil
}

func writeFileDiff(b *strings.Builder, p string, original, current []byte, existed, deleted bool) {
	oldLines, oldNoEOL := splitLines(original)
	newLines, newNoEOL := splitLines(current)

	fmt.Fprintf(b, "diff --git a/%s b/%s\n", p, p)
	switch {
	case !existed:
		b.WriteString("new file mode 100644\n")
		b.WriteString("--- /dev/null\n")
		fmt.Fprintf(b, "+++ b/%s\n", p)
	case deleted:
		b.WriteString("deleted file mode 100644\n")
		fmt.Fprintf(b, "--- a/%s\n", p)
		b.WriteString("+++ /dev/null\n")
	default:
		fmt.Fprintf(b, "--- a/%s\n", p)
		fmt.Fprintf(b, "+++ b/%s\n", p)
	}

	if len(oldLines) == 0 && len(newLines) == 0 {
		return
	}
	fmt.Fprintf(b, "@@ -%s +%s @@\n", hunkRange(len(oldLines)), hunkRange(len(newLines)))
	writeLines(b, '-', oldLines, oldNoEOL)
	writeLines(b, '+', newLines, newNoEOL)
}

func writeLines(b *strings.Builder, prefix byte, lines []string, noEOL bool) {
	for _, line := range lines {
		b.WriteByte(prefix)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if noEOL && len(lines) > 0 {
		b.WriteString("\\ No newline at end of file\n")
	}
}

// hunkRange formats one side of a hunk header. An empty side is "0,0".
func hunkRange(n int) string {
	switch n {
	case 0:
		return "0,0"
	case 1:
		return "1"
	default:
		return fmt.Sprintf("1,%d", n)
	}
}

// splitLines splits content into lines and reports whether the last line
// lacks a trailing newline.
func splitLines(content []byte) ([]string, bool) {
	if len(content) == 0 {
		return nil, false
	}
	s := string(content)
	noEOL := !strings.HasSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n"), noEOL
}
