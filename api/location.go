// Package api defines the data model and host-facing contracts of the OX
// preprocessor: the types that flow between the lexer, parser, and the
// seven preprocessing stages, and the seam the host embeds through
// (file reading, user functions, data sources, configuration).
package api

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
)

// Location pinpoints a token or node in source text. It exists purely
// for diagnostics; nothing in the pipeline branches on it.
type Location struct {
	File string
	Line int
	Column int
	Byte int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Pos converts a Location to the hcl.Pos it is grounded on.
func (l Location) Pos() hcl.Pos {
	return hcl.Pos{Line: l.Line, Column: l.Column, Byte: l.Byte}
}

// Range builds a zero-width hcl.Range anchored at this location, suitable
// as a Diagnostic's Subject.
func (l Location) Range() *hcl.Range {
	p := l.Pos()
	return &hcl.Range{Filename: l.File, Start: p, End: p}
}

// RangeTo builds an hcl.Range spanning from this location to end.
func (l Location) RangeTo(end Location) *hcl.Range {
	return &hcl.Range{Filename: l.File, Start: l.Pos(), End: end.Pos()}
}
