// Package diff computes code differences for the widget editor: positional
// changed-line ranges for draft highlighting, and hunk/word-level diffs
// (via the sergi/go-diff library) for the review pane.
package diff

import (
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineRange is a closed range of 1-indexed line numbers.
type LineRange struct {
	Start int
	End   int
}

// ChangedLineRanges reports which lines of next differ from prev, compared
// position by position (1-indexed, inclusive, coalesced, ascending).
//
// This is deliberately not an alignment diff: a line that shifted position
// counts as changed at its index, because the editor highlights the draft
// against the base line-for-line. Trailing lines of the longer text are
// changed. Identical texts yield nil.
func ChangedLineRanges(next, prev string) []LineRange {
	nextLines := splitLines(next)
	prevLines := splitLines(prev)

	n := len(nextLines)
	if len(prevLines) > n {
		n = len(prevLines)
	}

	var ranges []LineRange
	for i := 0; i < n; i++ {
		var a, b string
		var aOK, bOK bool
		if i < len(nextLines) {
			a, aOK = nextLines[i], true
		}
		if i < len(prevLines) {
			b, bOK = prevLines[i], true
		}
		if a == b && aOK == bOK {
			continue
		}
		line := i + 1
		if len(ranges) > 0 && ranges[len(ranges)-1].End == line-1 {
			ranges[len(ranges)-1].End = line
		} else {
			ranges = append(ranges, LineRange{Start: line, End: line})
		}
	}
	return ranges
}

// splitLines splits text into lines, treating an empty text as no lines so
// that "" and a missing text compare equal.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// LineType classifies a line within a hunk.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line in a hunk.
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk groups a run of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff describes the changes between two versions of one code text.
type FileDiff struct {
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
}

// Engine computes hunk and word-level diffs with result caching for
// identical input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// contextLines is the number of unchanged lines kept around each hunk.
const contextLines = 3

// NewEngine creates a diff engine tuned for code.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // accuracy over speed for editor-sized inputs
	return &Engine{dmp: dmp}
}

// DefaultEngine is a shared engine for general use.
var DefaultEngine = NewEngine()

// Compute builds a FileDiff between two code texts.
func (e *Engine) Compute(oldContent, newContent string) *FileDiff {
	fd := &FileDiff{
		IsNew:    oldContent == "",
		IsDelete: newContent == "" && oldContent != "",
	}

	key := cacheKey{oldHash: fnv1a(oldContent), newHash: fnv1a(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		if hunks, ok := cached.([]Hunk); ok {
			fd.Hunks = hunks
			return fd
		}
	}

	// Line-level reduction avoids newline boundary artifacts when turning
	// character diffs into line operations.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = groupHunks(toOperations(diffs))
	e.cache.Store(key, fd.Hunks)
	return fd
}

// Compute is a convenience using the default engine.
func Compute(oldContent, newContent string) *FileDiff {
	return DefaultEngine.Compute(oldContent, newContent)
}

// WordLevel computes intra-line differences, used to highlight the exact
// edit within a modified line.
func (e *Engine) WordLevel(oldLine, newLine string) []diffmatchpatch.Diff {
	diffs := e.dmp.DiffMain(oldLine, newLine, false)
	return e.dmp.DiffCleanupSemantic(diffs)
}

// ClearCache drops all cached results.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// operation is one line-level diff op with its positions in both texts.
type operation struct {
	typ     LineType
	oldLine int // -1 for additions
	newLine int // -1 for removals
	content string
}

// toOperations flattens diffmatchpatch diffs into per-line operations.
func toOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1] // trailing empty from split
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

// groupHunks clusters operations into hunks separated by more than
// 2*contextLines of unchanged lines.
func groupHunks(ops []operation) []Hunk {
	if len(ops) == 0 {
		return nil
	}

	var hunks []Hunk
	var current *Hunk
	lastChange := -1

	flush := func(trimAfter int) {
		if current == nil || len(current.Lines) == 0 {
			return
		}
		if trimAfter > 0 && trimAfter < len(current.Lines) {
			current.Lines = current.Lines[:trimAfter]
		}
		for _, l := range current.Lines {
			if l.Type != LineAdded {
				current.OldCount++
			}
			if l.Type != LineRemoved {
				current.NewCount++
			}
		}
		hunks = append(hunks, *current)
		current = nil
	}

	for i, op := range ops {
		if op.typ != LineContext {
			if current == nil {
				current = &Hunk{}
				start := i - contextLines
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					if ops[j].typ == LineContext {
						current.Lines = append(current.Lines, Line{
							LineNum: ops[j].oldLine + 1,
							Content: ops[j].content,
							Type:    LineContext,
						})
					}
				}
				current.OldStart = maxInt(ops[start].oldLine+1, 0)
				current.NewStart = maxInt(ops[start].newLine+1, 0)
			}
			lastChange = i
		}

		if current == nil {
			continue
		}

		lineNum := op.oldLine + 1
		if op.typ == LineAdded {
			lineNum = op.newLine + 1
		}
		current.Lines = append(current.Lines, Line{LineNum: lineNum, Content: op.content, Type: op.typ})

		if op.typ == LineContext && i-lastChange > contextLines {
			flush(len(current.Lines) - (i - lastChange - contextLines))
		}
	}
	flush(0)

	return hunks
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// fnv1a hashes a string for the result cache (FNV-1a).
func fnv1a(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
