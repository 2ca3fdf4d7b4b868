package engine

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Resource is an output resource under construction. Fields are kept in
// insertion order at every nesting level and marshal to JSON in exactly that
// order, which is what makes execution output byte-for-byte reproducible.
type Resource struct {
	Type string
	root *onode
}

// NewResource creates a resource with resourceType as its first field.
func NewResource(resourceType string) *Resource {
	r := &Resource{Type: resourceType, root: newObjectNode()}
	r.root.setLeaf([]string{"resourceType"}, resourceType)
	return r
}

// Set writes a value at a dotted path ("name.family"), creating intermediate
// objects as needed. Re-setting an existing path overwrites the value without
// changing its position.
func (r *Resource) Set(path string, v interface{}) {
	r.root.setLeaf(strings.Split(path, "."), v)
}

// Get reads the value at a dotted path.
func (r *Resource) Get(path string) (interface{}, bool) {
	return r.root.get(strings.Split(path, "."))
}

// ID returns the resource's id field, or "".
func (r *Resource) ID() string {
	if v, ok := r.Get("id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// AddExtension appends a {url, valueString} entry to the resource's extension
// list, preserving append order.
func (r *Resource) AddExtension(url, value string) {
	ext := newObjectNode()
	ext.setLeaf([]string{"url"}, url)
	ext.setLeaf([]string{"valueString"}, value)
	r.root.appendToList("extension", ext)
}

// MarshalJSON renders the resource with fields in insertion order.
func (r *Resource) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := r.root.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// Ordered JSON object tree
// ---------------------------------------------------------------------------

// onode is a node of an order-preserving JSON value: an object (keys +
// children), a list, or a leaf value.
type onode struct {
	keys     []string
	children map[string]*onode
	elems    []*onode
	isList   bool
	value    interface{}
	leaf     bool
}

func newObjectNode() *onode {
	return &onode{children: make(map[string]*onode)}
}

func (n *onode) child(key string) *onode {
	c, ok := n.children[key]
	if !ok {
		c = newObjectNode()
		n.children[key] = c
		n.keys = append(n.keys, key)
	}
	return c
}

func (n *onode) setLeaf(path []string, v interface{}) {
	if len(path) == 1 {
		c := n.child(path[0])
		c.leaf = true
		c.value = v
		return
	}
	n.child(path[0]).setLeaf(path[1:], v)
}

func (n *onode) get(path []string) (interface{}, bool) {
	c, ok := n.children[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		if c.leaf {
			return c.value, true
		}
		return nil, true
	}
	return c.get(path[1:])
}

func (n *onode) appendToList(key string, elem *onode) {
	c := n.child(key)
	c.isList = true
	c.elems = append(c.elems, elem)
}

func (n *onode) encode(buf *bytes.Buffer) error {
	switch {
	case n.leaf:
		data, err := json.Marshal(n.value)
		if err != nil {
			return err
		}
		buf.Write(data)
	case n.isList:
		buf.WriteByte('[')
		for i, e := range n.elems {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		buf.WriteByte('{')
		for i, key := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := n.children[key].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}
