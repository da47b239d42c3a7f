package api

import (
	"fmt"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/hashicorp/hcl/v2"
)

// Kind is the error-kind taxonomy shared by Stage-1 SyntaxErrors and
// Stage-2 Diagnostics.
type Kind string

const (
	// Lexical
	KindUnterminatedString Kind = "UnterminatedString"
	KindUnterminatedFreeText Kind = "UnterminatedFreeText"
	KindUnexpectedCharacter Kind = "UnexpectedCharacter"

	// Syntactic
	KindUnexpectedToken Kind = "UnexpectedToken"
	KindMisplacedInject Kind = "MisplacedInject"
	KindMisplacedImport Kind = "MisplacedImport"
	KindInvalidGrammar Kind = "InvalidGrammar"

	// Tag
	KindUndefinedTag Kind = "UndefinedTag"
	KindDuplicateTagDefinition Kind = "DuplicateTagDefinition"
	KindInvalidTagDefinition Kind = "InvalidTagDefinition"
	KindInvalidTagInstance Kind = "InvalidTagInstance"
	KindTagInstanceWithChildren Kind = "TagInstanceWithChildren"
	KindTagDefinitionWithExpression Kind = "TagDefinitionWithExpression"
	KindTagCompositionWithProperties Kind = "TagCompositionWithProperties"
	KindTagCompositionWithChildren Kind = "TagCompositionWithChildren"
	KindMixedTagTypes Kind = "MixedTagTypes"
	KindMultipleTagDefinitions Kind = "MultipleTagDefinitions"
	KindTagDefinitionNotFound Kind = "TagDefinitionNotFound"
	KindCircularTagDependency Kind = "CircularTagDependency"
	KindModulePropertyConflict Kind = "ModulePropertyConflict"

	// Data source
	KindUndefinedDataSource Kind = "UndefinedDataSource"
	KindFetchError Kind = "FETCH_ERROR"
	KindCircularDataSourceDependency Kind = "CircularDataSourceDependency"
	KindDataSourceNotExecuted Kind = "DataSourceNotExecuted"

	// Expression
	KindUndefinedVariable Kind = "UndefinedVariable"
	KindNullPropertyAccess Kind = "NullPropertyAccess"
	KindInvalidNumberConversion Kind = "InvalidNumberConversion"
	KindUnresolvedReference Kind = "UnresolvedReference"
	KindUnknownOperator Kind = "UnknownOperator"
	KindExpectedPropertyName Kind = "ExpectedPropertyName"

	// Reference
	KindBlockNotFound Kind = "BlockNotFound"
	KindNoParentBlock Kind = "NoParentBlock"
	KindPropertyNotFound Kind = "PropertyNotFound"
	KindInvalidIndexAccess Kind = "InvalidIndexAccess"
	KindIncompleteReference Kind = "IncompleteReference"
	KindInvalidReference Kind = "InvalidReference"
	KindBlockNotInRegistry Kind = "BlockNotInRegistry"

	// Template
	KindInvalidForeachCollection Kind = "InvalidForeachCollection"
	KindMaxIterationsExceeded Kind = "MaxIterationsExceeded"

	// Macro
	KindMacroError Kind = "MacroError"

	// Project / multi-file
	KindFileNotFound Kind = "FileNotFound"
	KindFileTooLarge Kind = "FileTooLarge"
	KindCacheExceeded Kind = "CacheExceeded"
	KindInvalidExtension Kind = "InvalidExtension"
	KindIllegalPathCharacter Kind = "IllegalPathCharacter"
	KindSymlinkEscape Kind = "SymlinkEscape"
	KindCircularImport Kind = "CircularImport"
	KindImportDepthExceeded Kind = "ImportDepthExceeded"
	KindInvalidAlias Kind = "InvalidAlias"
	KindReservedAlias Kind = "ReservedAlias"
)

// Diagnostic is a Stage-2 structured error: a kind tag, a location (as
// an hcl.Range Subject), a human summary/detail, an
// optional name-lookup Suggestion, and an optional Cause chain.
type Diagnostic struct {
	Kind Kind
	Summary string
	Detail string
	Subject *hcl.Range
	Suggestion string
	Cause error
}

func NewDiagnostic(kind Kind, loc Location, summary string) *Diagnostic {
	return &Diagnostic{Kind: kind, Summary: summary, Subject: loc.Range()}
}

func (d *Diagnostic) WithDetail(detail string) *Diagnostic {
	d.Detail = detail
	return d
}

func (d *Diagnostic) WithCause(err error) *Diagnostic {
	d.Cause = err
	return d
}

// WithSuggestion computes the best fuzzy match for name among
// candidates (via agext/levenshtein, the same library HCL uses for its
// own "did you mean" diagnostics) and attaches it if close enough.
func (d *Diagnostic) WithSuggestion(name string, candidates []string) *Diagnostic {
	if s := suggest(name, candidates); s != "" {
		d.Suggestion = s
	}
	return d
}

func suggest(name string, candidates []string) string {
	best := ""
	bestScore := 0.55 // similarity threshold below which no suggestion is offered
	for _, c := range candidates {
		score := levenshtein.Match(name, c, nil)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// HCLDiagnostic renders this Diagnostic as an *hcl.Diagnostic, the type
// it is grounded on.
func (d *Diagnostic) HCLDiagnostic() *hcl.Diagnostic {
	detail := d.Detail
	if d.Suggestion != "" {
		if detail != "" {
			detail += " "
		}
		detail += fmt.Sprintf("Did you mean %q?", d.Suggestion)
	}
	return &hcl.Diagnostic{
		Severity: hcl.DiagError,
		Summary: d.Summary,
		Detail: detail,
		Subject: d.Subject,
	}
}

func (d *Diagnostic) Error() string {
	var b strings.Builder
	if d.Subject != nil {
		fmt.Fprintf(&b, "%s: ", d.Subject.Filename)
		if d.Subject.Start.Line > 0 {
			fmt.Fprintf(&b, "%d:%d: ", d.Subject.Start.Line, d.Subject.Start.Column)
		}
	}
	fmt.Fprintf(&b, "[%s] %s", d.Kind, d.Summary)
	if d.Detail != "" {
		fmt.Fprintf(&b, ": %s", d.Detail)
	}
	if d.Suggestion != "" {
		fmt.Fprintf(&b, " (did you mean %q?)", d.Suggestion)
	}
	return b.String()
}

func (d *Diagnostic) Unwrap() error { return d.Cause }

// Diagnostics is a collection of Stage-2 errors. Most operations raise a
// single one; the embedder may choose to collect several.
type Diagnostics []*Diagnostic

func (ds Diagnostics) Error() string {
	if len(ds) == 0 {
		return ""
	}
	if len(ds) == 1 {
		return ds[0].Error()
	}
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.Error()
	}
	return fmt.Sprintf("%d errors occurred:\n - %s", len(ds), strings.Join(parts, "\n - "))
}

func (ds Diagnostics) HasErrors() bool { return len(ds) > 0 }

// HCL converts the whole collection to hcl.Diagnostics.
func (ds Diagnostics) HCL() hcl.Diagnostics {
	out := make(hcl.Diagnostics, len(ds))
	for i, d := range ds {
		out[i] = d.HCLDiagnostic()
	}
	return out
}

// SyntaxError is a Stage-1 (lex/parse) error: fatal, first-error-wins,
// carrying only a location and a message.
type SyntaxError struct {
	Kind Kind
	Loc Location
	Msg string
}

func NewSyntaxError(kind Kind, loc Location, msg string) *SyntaxError {
	return &SyntaxError{Kind: kind, Loc: loc, Msg: msg}
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s: [%s] %s", e.Loc, e.Kind, e.Msg)
}
