package api

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// NodeID is a monotonic identity assigned to every node at parse or
// clone time. It exists solely so the macro system's cursor API
// can track "manually processed" children without relying on Go pointer
// identity surviving across the exactly-three cloning sites.
type NodeID uint64

// Node is the sealed interface for everything that can appear in
// Document.Blocks, Document.Templates, or a Block's Children: literal
// blocks and the five template constructs plus import/inject/free-text.
type Node interface {
	isNode()
	NodeID() NodeID
	Location() Location
	// Clone returns a structurally independent deep copy with a fresh
	// NodeID, used by tag-instance expansion and <foreach>/<while>
	// per-iteration cloning.
	Clone(ids *IDAllocator) Node
}

// IDAllocator hands out fresh, monotonically increasing NodeIDs. One
// allocator is shared across an entire preprocessing run so that ids
// stay unique even across clones.
type IDAllocator struct{ next uint64 }

func NewIDAllocator() *IDAllocator { return &IDAllocator{} }

func (a *IDAllocator) Next() NodeID {
	a.next++
	return NodeID(a.next)
}

// TagKind distinguishes a tag definition (@name) from a tag instance
// (#name).
type TagKind int

const (
	TagDefinitionKind TagKind = iota
	TagInstanceKind
)

// Tag is a marker attached to a Block: @name / @name(arg) (a
// definition) or #name / #name(arg) (an instance).
type Tag struct {
	Kind TagKind
	Name string
	Argument string
	HasArgument bool
	Loc Location
}

// Key returns the registry key ("name" or "name(argument)") used by the
// tag registry (component C) to distinguish overloads.
func (t Tag) Key() string { return CreateTagKey(t.Name, t.Argument, t.HasArgument) }

// CreateTagKey builds the registry key for a tag name/argument pair.
func CreateTagKey(name, argument string, hasArgument bool) string {
	if !hasArgument {
		return name
	}
	return name + "(" + argument + ")"
}

// Block is the central structural entity: an optional id, an
// insertion-ordered property mapping, children, and (pre-expansion) its
// tags.
type Block struct {
	ID string
	Properties *orderedmap.OrderedMap[string, Value]
	Children []Node
	Tags []Tag
	Loc Location
	Id NodeID
}

func NewBlock(loc Location) *Block {
	return &Block{Properties: orderedmap.New[string, Value](), Loc: loc}
}

func (b *Block) isNode() {}
func (b *Block) NodeID() NodeID { return b.Id }
func (b *Block) Location() Location { return b.Loc }

// IsNamed reports whether this block's id starts with an uppercase
// letter, making it addressable by $Id from siblings.
func (b *Block) IsNamed() bool {
	if b.ID == "" {
		return false
	}
	c := b.ID[0]
	return c >= 'A' && c <= 'Z'
}

func (b *Block) Clone(ids *IDAllocator) Node {
	cp := &Block{
		ID: b.ID,
		Properties: orderedmap.New[string, Value](),
		Children: make([]Node, len(b.Children)),
		Tags: append([]Tag(nil), b.Tags...),
		Loc: b.Loc,
		Id: ids.Next(),
	}
	for pair := b.Properties.Oldest(); pair != nil; pair = pair.Next() {
		cp.Properties.Set(pair.Key, pair.Value.Clone())
	}
	for i, c := range b.Children {
		cp.Children[i] = c.Clone(ids)
	}
	return cp
}

// Set/SetNode is the <set name = value> template construct.
type SetNode struct {
	Name string
	Value Value
	Loc Location
	Id NodeID
}

func (n *SetNode) isNode() {}
func (n *SetNode) NodeID() NodeID { return n.Id }
func (n *SetNode) Location() Location { return n.Loc }
func (n *SetNode) Clone(ids *IDAllocator) Node {
	return &SetNode{Name: n.Name, Value: n.Value.Clone(), Loc: n.Loc, Id: ids.Next()}
}

// ElseIf is one <elseif> branch of an IfNode.
type ElseIf struct {
	Condition Value
	Body []Node
}

// IfNode is <if>/<elseif>/<else>.
type IfNode struct {
	Condition Value
	Then []Node
	ElseIfs []ElseIf
	Else []Node
	Loc Location
	Id NodeID
}

func (n *IfNode) isNode() {}
func (n *IfNode) NodeID() NodeID { return n.Id }
func (n *IfNode) Location() Location { return n.Loc }
func (n *IfNode) Clone(ids *IDAllocator) Node {
	cp := &IfNode{Condition: n.Condition.Clone(), Loc: n.Loc, Id: ids.Next()}
	cp.Then = cloneNodes(n.Then, ids)
	cp.Else = cloneNodes(n.Else, ids)
	for _, ei := range n.ElseIfs {
		cp.ElseIfs = append(cp.ElseIfs, ElseIf{Condition: ei.Condition.Clone(), Body: cloneNodes(ei.Body, ids)})
	}
	return cp
}

// ForeachNode is <foreach item[, index] in collection>.
type ForeachNode struct {
	Item string
	Index string
	HasIndex bool
	Collection string
	Body []Node
	Loc Location
	Id NodeID
}

func (n *ForeachNode) isNode() {}
func (n *ForeachNode) NodeID() NodeID { return n.Id }
func (n *ForeachNode) Location() Location { return n.Loc }
func (n *ForeachNode) Clone(ids *IDAllocator) Node {
	return &ForeachNode{
		Item: n.Item, Index: n.Index, HasIndex: n.HasIndex, Collection: n.Collection,
		Body: cloneNodes(n.Body, ids), Loc: n.Loc, Id: ids.Next(),
	}
}

// WhileNode is <while condition>.
type WhileNode struct {
	Condition Value
	Body []Node
	Loc Location
	Id NodeID
}

func (n *WhileNode) isNode() {}
func (n *WhileNode) NodeID() NodeID { return n.Id }
func (n *WhileNode) Location() Location { return n.Loc }
func (n *WhileNode) Clone(ids *IDAllocator) Node {
	return &WhileNode{Condition: n.Condition.Clone(), Body: cloneNodes(n.Body, ids), Loc: n.Loc, Id: ids.Next()}
}

// OnDataNode is <on-data source>...<on-error>...</on-data>.
type OnDataNode struct {
	SourceName string
	OnSuccess []Node
	OnError []Node
	Loc Location
	Id NodeID
}

func (n *OnDataNode) isNode() {}
func (n *OnDataNode) NodeID() NodeID { return n.Id }
func (n *OnDataNode) Location() Location { return n.Loc }
func (n *OnDataNode) Clone(ids *IDAllocator) Node {
	return &OnDataNode{
		SourceName: n.SourceName,
		OnSuccess: cloneNodes(n.OnSuccess, ids),
		OnError: cloneNodes(n.OnError, ids),
		Loc: n.Loc, Id: ids.Next(),
	}
}

// ImportNode is <import "path" [as alias]>, valid only at document top
// level.
type ImportNode struct {
	Path string
	Alias string
	Loc Location
	Id NodeID
}

func (n *ImportNode) isNode() {}
func (n *ImportNode) NodeID() NodeID { return n.Id }
func (n *ImportNode) Location() Location { return n.Loc }
func (n *ImportNode) Clone(ids *IDAllocator) Node {
	return &ImportNode{Path: n.Path, Alias: n.Alias, Loc: n.Loc, Id: ids.Next()}
}

// InjectNode is <inject "path">, valid at top level or as a block child.
type InjectNode struct {
	Path string
	Loc Location
	Id NodeID
}

func (n *InjectNode) isNode() {}
func (n *InjectNode) NodeID() NodeID { return n.Id }
func (n *InjectNode) Location() Location { return n.Loc }
func (n *InjectNode) Clone(ids *IDAllocator) Node {
	return &InjectNode{Path: n.Path, Loc: n.Loc, Id: ids.Next()}
}

// FreeTextNode is a ```...``` block, optionally carrying tags.
type FreeTextNode struct {
	Content string
	Tags []Tag
	Loc Location
	Id NodeID
}

func (n *FreeTextNode) isNode() {}
func (n *FreeTextNode) NodeID() NodeID { return n.Id }
func (n *FreeTextNode) Location() Location { return n.Loc }
func (n *FreeTextNode) Clone(ids *IDAllocator) Node {
	return &FreeTextNode{Content: n.Content, Tags: append([]Tag(nil), n.Tags...), Loc: n.Loc, Id: ids.Next()}
}

func cloneNodes(ns []Node, ids *IDAllocator) []Node {
	if ns == nil {
		return nil
	}
	cp := make([]Node, len(ns))
	for i, n := range ns {
		cp[i] = n.Clone(ids)
	}
	return cp
}

// Document is the root of a parsed (and, later, preprocessed) OX file.
type Document struct {
	Blocks []*Block
	Imports []*ImportNode
	Injects []*InjectNode
	Templates []Node
}
