// Package project is the Import/Inject/Project layer (component K): path
// resolution against moduleDirectories and baseDir, a size-capped file
// cache, shared circular-dependency detection for imports and injects,
// and routing of imported `@tag` definitions into the shared tag
// registry.
package project

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/the-ox-studio/oxdef/api"
	"github.com/the-ox-studio/oxdef/internal/parser"
	"github.com/the-ox-studio/oxdef/internal/tagreg"
)

var illegalPathChars = []string{"<", ">", "\"", "|", "?", "*"}

var reservedAliases = map[string]bool{
	"this": true, "parent": true, "children": true,
	"true": true, "false": true, "null": true,
}

// packageDefaults mirrors the conventional ox.config.json
// packageDefaults layout inside a resolved moduleDirectories package
// when no config file is read (config-file parsing is an external
// collaborator's job, not this module's).
var packageDefaults = struct {
	OXDirectory string
	OXMain string
}{OXDirectory: "ox", OXMain: "index.ox"}

type stackEntry struct {
	Path string
	Kind string // "import" or "inject"
}

// cachedFile is one loaded-and-parsed .ox file, kept by absolute path so
// repeated imports/injects of the same file reuse the parse.
type cachedFile struct {
	doc *api.Document
	size int64
}

// Project is single-owner for the duration of one preprocessing run: the
// host filesystem, the shared tag registry every import/inject populates,
// and the bookkeeping (cache, cycle stack, running byte total) a
// multi-file import/inject system requires.
type Project struct {
	FS billy.Filesystem
	Cfg api.Config
	Registry *tagreg.Registry
	Ids *api.IDAllocator

	cache *lru.Cache[string, *cachedFile]
	cacheBytes int64
	stack []stackEntry
}

func New(fs billy.Filesystem, cfg api.Config, reg *tagreg.Registry, ids *api.IDAllocator) *Project {
	proj := &Project{FS: fs, Cfg: cfg, Registry: reg, Ids: ids}
	proj.cache, _ = lru.NewWithEvict(4096, func(_ string, cf *cachedFile) {
		proj.cacheBytes -= cf.size
	})
	return proj
}

// ResolvePath implements the five path-resolution rules for one raw
// import/inject path string, relative to fromDir (the directory of the
// file doing the importing).
func (p *Project) ResolvePath(fromDir, raw string) (string, *api.Diagnostic) {
	for _, c := range illegalPathChars {
		if strings.Contains(raw, c) {
			return "", api.NewDiagnostic(api.KindIllegalPathCharacter, api.Location{}, "illegal character in path "+raw)
		}
	}
	if strings.ContainsRune(raw, 0) {
		return "", api.NewDiagnostic(api.KindIllegalPathCharacter, api.Location{}, "NUL byte in path "+raw)
	}
	if !strings.HasSuffix(raw, ".ox") {
		return "", api.NewDiagnostic(api.KindInvalidExtension, api.Location{}, "path "+raw+" does not end in .ox")
	}

	var resolved string
	switch {
	case strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../"):
		resolved = path.Join(fromDir, raw)
	case strings.HasPrefix(raw, "/"):
		resolved = raw
	default:
		found, d := p.resolveInModuleDirectories(raw)
		if d != nil {
			return "", d
		}
		resolved = found
	}

	real, d := p.realpathWithinBase(resolved)
	if d != nil {
		return "", d
	}
	return real, nil
}

// resolveInModuleDirectories handles "@scope/name" and bare package-name
// imports: each configured moduleDirectory is searched for a directory
// named pkg, and packageDefaults.OXDirectory/OXMain is joined inside it.
func (p *Project) resolveInModuleDirectories(pkg string) (string, *api.Diagnostic) {
	for _, dir := range p.Cfg.ModuleDirectories {
		candidate := path.Join(dir, pkg, packageDefaults.OXDirectory, packageDefaults.OXMain)
		if _, err := p.FS.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", api.NewDiagnostic(api.KindFileNotFound, api.Location{}, "package "+pkg+" not found in any moduleDirectories")
}

// realpathWithinBase resolves symlinks (if the host filesystem supports
// them) and rejects any target falling outside Cfg.BaseDir.
func (p *Project) realpathWithinBase(resolved string) (string, *api.Diagnostic) {
	real := resolved
	if target, err := p.FS.Readlink(resolved); err == nil {
		real = target
	}
	real = path.Clean(real)
	base := path.Clean(p.Cfg.BaseDir)
	if base != "" && base != "." && !strings.HasPrefix(real, base) {
		return "", api.NewDiagnostic(api.KindSymlinkEscape, api.Location{}, "path "+real+" escapes baseDir "+base)
	}
	return real, nil
}

// pushStack records entry on the shared import/inject cycle-detection
// stack, raising CircularImport if path is already on it, or
// ImportDepthExceeded past the bound.
func (p *Project) pushStack(absPath, kind string) *api.Diagnostic {
	for _, e := range p.stack {
		if e.Path == absPath {
			return api.NewDiagnostic(api.KindCircularImport, api.Location{}, "circular "+kind+" of "+absPath).
				WithDetail(chainString(p.stack, absPath))
		}
	}
	if len(p.stack) >= p.Cfg.MaxImportDepth {
		return api.NewDiagnostic(api.KindImportDepthExceeded, api.Location{}, fmt.Sprintf("import/inject depth exceeds %d", p.Cfg.MaxImportDepth))
	}
	p.stack = append(p.stack, stackEntry{Path: absPath, Kind: kind})
	return nil
}

func (p *Project) popStack() {
	p.stack = p.stack[:len(p.stack)-1]
}

func chainString(stack []stackEntry, closing string) string {
	var parts []string
	for _, e := range stack {
		parts = append(parts, e.Path)
	}
	parts = append(parts, closing)
	return strings.Join(parts, " → ")
}

// Load reads, size-checks, caches, and parses the .ox file at absPath.
// Parses are cached by absolute path so repeated imports of the same file
// reuse the same *api.Document.
func (p *Project) Load(absPath string) (*api.Document, *api.Diagnostic) {
	if cf, ok := p.cache.Get(absPath); ok {
		return cf.doc, nil
	}

	info, err := p.FS.Stat(absPath)
	if err != nil {
		return nil, api.NewDiagnostic(api.KindFileNotFound, api.Location{}, "cannot stat "+absPath).WithCause(err)
	}
	if info.Size() > p.Cfg.MaxFileSize {
		return nil, api.NewDiagnostic(api.KindFileTooLarge, api.Location{}, fmt.Sprintf("%s is %s, over the %s file-size cap",
			absPath, humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(p.Cfg.MaxFileSize))))
	}
	if p.cacheBytes+info.Size() > p.Cfg.MaxCacheSize {
		return nil, api.NewDiagnostic(api.KindCacheExceeded, api.Location{}, fmt.Sprintf("loading %s would bring the cache to %s, over the %s cap",
			absPath, humanize.Bytes(uint64(p.cacheBytes+info.Size())), humanize.Bytes(uint64(p.Cfg.MaxCacheSize))))
	}

	f, err := p.FS.Open(absPath)
	if err != nil {
		return nil, api.NewDiagnostic(api.KindFileNotFound, api.Location{}, "cannot open "+absPath).WithCause(err)
	}
	src, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, api.NewDiagnostic(api.KindFileNotFound, api.Location{}, "cannot read "+absPath).WithCause(err)
	}

	doc, serr := parser.ParseDocument(absPath, src, p.Ids)
	if serr != nil {
		return nil, api.NewDiagnostic(serr.Kind, serr.Loc, serr.Msg)
	}

	p.cache.Add(absPath, &cachedFile{doc: doc, size: info.Size()})
	p.cacheBytes += info.Size()
	return doc, nil
}

// ValidateAlias enforces the import alias rules: non-reserved, at most 50
// bytes. An empty alias (no namespace) is accepted.
func ValidateAlias(alias string) *api.Diagnostic {
	if alias == "" {
		return nil
	}
	if reservedAliases[alias] {
		return api.NewDiagnostic(api.KindReservedAlias, api.Location{}, "alias "+alias+" is reserved")
	}
	if len(alias) > 50 {
		return api.NewDiagnostic(api.KindInvalidAlias, api.Location{}, "alias "+alias+" exceeds 50 characters")
	}
	return nil
}

// Import loads absPath (relative to fromDir, via node.Path) and routes
// every top-level @tag definition it carries into the shared registry,
// namespaced by alias if given. Without a namespace, a later import of
// the same key overrides an earlier one.
func (p *Project) Import(fromDir string, node *api.ImportNode) *api.Diagnostic {
	if d := ValidateAlias(node.Alias); d != nil {
		return d
	}
	absPath, d := p.ResolvePath(fromDir, node.Path)
	if d != nil {
		return d
	}
	if d := p.pushStack(absPath, "import"); d != nil {
		return d
	}
	defer p.popStack()

	doc, d := p.Load(absPath)
	if d != nil {
		return d
	}
	for _, b := range doc.Blocks {
		if len(b.Tags) != 1 || b.Tags[0].Kind != api.TagDefinitionKind {
			continue
		}
		tag := b.Tags[0]
		def := &api.TagDefinition{
			Name: tag.Name,
			Argument: tag.Argument,
			HasArgument: tag.HasArgument,
			BlockRules: api.BlockRules{CanReuse: true, AcceptChildren: true},
			Block: b,
		}
		key := def.Key()
		if node.Alias != "" {
			key = node.Alias + "." + key
		}
		if rd := p.Registry.ImportDefinition(key, def, node.Alias != ""); rd != nil {
			return rd
		}
	}
	return nil
}

// InjectFunc is the signature internal/template.Expander.Inject expects.
type InjectFunc = func(path string, loc api.Location) ([]api.Node, api.Diagnostics)

// Inject loads absPath, independently preprocesses it in a fresh
// transaction (via the preprocess callback the caller supplies), and returns
// its resulting flat node list to splice in at the inject site.
// preprocess receives absPath too, since the injected file's own
// imports/injects must resolve relative to its directory, not fromDir.
func (p *Project) Inject(fromDir, rawPath string, loc api.Location, preprocess func(absPath string, doc *api.Document) ([]api.Node, api.Diagnostics)) ([]api.Node, api.Diagnostics) {
	absPath, d := p.ResolvePath(fromDir, rawPath)
	if d != nil {
		return nil, api.Diagnostics{d}
	}
	if d := p.pushStack(absPath, "inject"); d != nil {
		return nil, api.Diagnostics{d}
	}
	defer p.popStack()

	doc, d := p.Load(absPath)
	if d != nil {
		return nil, api.Diagnostics{d}
	}
	return preprocess(absPath, doc)
}
