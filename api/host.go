package api

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/go-git/go-billy/v5"
)

// Config is the per-invocation configuration the embedder supplies. No
// file-format parsing (ox.config.json/.js) lives in this module; loading
// one into a Config is an external collaborator's job.
type Config struct {
	BaseDir string
	ModuleDirectories []string
	Timeout time.Duration
	Strict bool
	MaxFileSize int64
	MaxCacheSize int64
	MaxImportDepth int
	MaxWhileIterations int
	// Logger receives per-stage progress messages. Silent (io.Discard) by
	// default so library use stays quiet unless the embedder opts in.
	Logger *log.Logger
}

// DefaultConfig returns the default environment and resource limits:
// a 5s fetch timeout, 10MiB/100MiB file and cache caps, import depth 50,
// and a 10,000-iteration cap on <while>.
func DefaultConfig() Config {
	return Config{
		Timeout: 5000 * time.Millisecond,
		MaxFileSize: 10 * 1024 * 1024,
		MaxCacheSize: 100 * 1024 * 1024,
		MaxImportDepth: 50,
		MaxWhileIterations: 10000,
		Logger: log.New(io.Discard, "", 0),
	}
}

// Function is a host-supplied builtin callable usable from expressions.
type Function func(args []Value) (Value, error)

// VarReader is the narrow read seam a DataSourceWrapper closes over; it
// is implemented by internal/txn.Transaction. Kept here (rather than
// depending on internal/txn from api) to avoid an import cycle.
type VarReader interface {
	GetVariable(name string) (Value, bool)
}

// DataSourceFunc is a registered data source's fetch callable.
type DataSourceFunc func(ctx context.Context) (any, error)

// DataSourceWrapper is the "wrapper" registration form: it
// receives the transaction (as a VarReader) and returns the concrete
// fetch callable. It is invoked once, immediately, at registration
// time.
type DataSourceWrapper func(v VarReader) DataSourceFunc

// WalkOrder selects the traversal discipline offered to an OnParseHook's
// walk capability. Spelled out with api types only (rather than reusing
// internal/walk's identical Order) so this package never has to import
// an internal package that itself imports api.
type WalkOrder int

const (
	WalkPreOrder WalkOrder = iota
	WalkPostOrder
	WalkBreadthFirst
)

// WalkControl is the per-node return value a WalkVisitor gives to steer
// traversal; mirrors internal/walk.Control.
type WalkControl int

const (
	WalkContinue WalkControl = iota
	WalkSkip
	WalkStop
)

// WalkVisitor, WalkFilter, and WalkFunc are the tree-traversal capability
// an OnParseHook receives, so user code can inspect or mutate the raw AST
// without this package depending on internal/walk.
type WalkVisitor func(node Node, parent Node, ancestors []Node) WalkControl
type WalkFilter func(node Node, parent Node) bool
type WalkFunc func(roots []Node, order WalkOrder, filter WalkFilter, visit WalkVisitor)

// OnParseHook runs once against the raw parsed tree, before any other
// preprocessing stage. Calling finish short-circuits the rest of the
// pipeline: the raw tree becomes the output.
type OnParseHook func(doc *Document, walk WalkFunc, finish func()) error

// MacroCursor is the handle an OnWalkHook receives; every method is only
// meaningful for the duration of that one call.
type MacroCursor interface {
	NextBlock() Node
	PeekNext() (Node, Node)
	Current() (Node, Node)
	InvokeWalk(child, parent Node) error
	GetRemainingChildren(parent Node) []Node
	Back(steps int)
	Stop()
	ThrowError(message string) error
}

// OnWalkHook runs once per Block during template expansion, after its
// own properties are evaluated and before its children are recursed into.
type OnWalkHook func(cursor MacroCursor) error

// Host bundles everything the core preprocessor consumes from the
// embedder: file access for the multi-file layer (component K),
// user-supplied functions and data sources for the transaction (E),
// host-registered tag definitions, and the macro hooks (J).
type Host struct {
	FS billy.Filesystem
	Functions map[string]Function
	DataSources map[string]any // DataSourceFunc or DataSourceWrapper
	Tags []*TagDefinition
	OnParse OnParseHook
	OnWalk OnWalkHook
}
