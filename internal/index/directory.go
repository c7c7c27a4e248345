package index

import (
	"fmt"

	"github.com/S0me0neR0man/quadstash/internal/block"
	"github.com/S0me0neR0man/quadstash/internal/tuple"
)

type color bool

const (
	black, red color = true, false
)

// directory red-black tree over leaf fences.
// A fence is the lowest key a leaf accepts; the head leaf has the nil fence
// which sorts before every key. Fences are unique.
type directory struct {
	root *dirNode
	size int
}

// dirNode is a tree element
type dirNode struct {
	fence  tuple.Key
	leaf   block.ID
	color  color
	left   *dirNode
	right  *dirNode
	parent *dirNode
}

func newDirectory() *directory {
	return &directory{}
}

// put adds a fence, an existing fence is repointed to leaf
func (d *directory) put(fence tuple.Key, leaf block.ID) {
	if d.root == nil {
		d.root = &dirNode{fence: fence, leaf: leaf, color: black}
		d.size++
		return
	}

	cur := d.root
	for {
		switch fence.Compare(cur.fence) {
		case tuple.Equal:
			cur.leaf = leaf
			return
		case tuple.LessThan:
			if cur.left == nil {
				cur.left = &dirNode{fence: fence, leaf: leaf, color: red, parent: cur}
				d.insertCase1(cur.left)
				d.size++
				return
			}
			cur = cur.left
		case tuple.MoreThan:
			if cur.right == nil {
				cur.right = &dirNode{fence: fence, leaf: leaf, color: red, parent: cur}
				d.insertCase1(cur.right)
				d.size++
				return
			}
			cur = cur.right
		}
	}
}

// floor node with the greatest fence <= k, nil if there is none
func (d *directory) floor(k tuple.Key) *dirNode {
	var found *dirNode
	for cur := d.root; cur != nil; {
		switch cur.fence.Compare(k) {
		case tuple.Equal:
			return cur
		case tuple.LessThan:
			found = cur
			cur = cur.right
		case tuple.MoreThan:
			cur = cur.left
		}
	}
	return found
}

func (d *directory) clear() {
	d.root = nil
	d.size = 0
}

// String implements Stringer interface
func (d *directory) String() string {
	str := "directory\n"
	if d.root != nil {
		output(d.root, "", true, &str)
	}
	return str
}

func (n *dirNode) String() string {
	c := "R"
	if n.color == black {
		c = "B"
	}
	fence := "-inf"
	if n.fence != nil {
		fence = n.fence.String()
	}
	return fmt.Sprintf("%s %s -> %d", c, fence, n.leaf)
}

func output(node *dirNode, prefix string, isTail bool, str *string) {
	if node.right != nil {
		newPrefix := prefix
		if isTail {
			newPrefix += "│   "
		} else {
			newPrefix += "    "
		}
		output(node.right, newPrefix, false, str)
	}

	*str += prefix
	if isTail {
		*str += "└── "
	} else {
		*str += "┌── "
	}
	*str += node.String() + "\n"

	if node.left != nil {
		newPrefix := prefix
		if isTail {
			newPrefix += "    "
		} else {
			newPrefix += "│   "
		}
		output(node.left, newPrefix, true, str)
	}
}

func (n *dirNode) grandparent() *dirNode {
	if n != nil && n.parent != nil {
		return n.parent.parent
	}
	return nil
}

func (n *dirNode) uncle() *dirNode {
	if n == nil || n.parent == nil || n.parent.parent == nil {
		return nil
	}
	return n.parent.sibling()
}

func (n *dirNode) sibling() *dirNode {
	if n == nil || n.parent == nil {
		return nil
	}
	if n == n.parent.left {
		return n.parent.right
	}
	return n.parent.left
}

func (d *directory) rotateLeft(node *dirNode) {
	right := node.right
	d.replaceNode(node, right)
	node.right = right.left
	if right.left != nil {
		right.left.parent = node
	}
	right.left = node
	node.parent = right
}

func (d *directory) rotateRight(node *dirNode) {
	left := node.left
	d.replaceNode(node, left)
	node.left = left.right
	if left.right != nil {
		left.right.parent = node
	}
	left.right = node
	node.parent = left
}

func (d *directory) replaceNode(old *dirNode, new *dirNode) {
	if old.parent == nil {
		d.root = new
	} else if old == old.parent.left {
		old.parent.left = new
	} else {
		old.parent.right = new
	}
	if new != nil {
		new.parent = old.parent
	}
}

func (d *directory) insertCase1(node *dirNode) {
	if node.parent == nil {
		node.color = black
		return
	}
	if nodeColor(node.parent) == black {
		return
	}

	uncle := node.uncle()
	if nodeColor(uncle) == red {
		node.parent.color = black
		uncle.color = black
		node.grandparent().color = red
		d.insertCase1(node.grandparent())
		return
	}

	grandparent := node.grandparent()
	if node == node.parent.right && node.parent == grandparent.left {
		d.rotateLeft(node.parent)
		node = node.left
	} else if node == node.parent.left && node.parent == grandparent.right {
		d.rotateRight(node.parent)
		node = node.right
	}

	node.parent.color = black
	grandparent = node.grandparent()
	grandparent.color = red
	if node == node.parent.left && node.parent == grandparent.left {
		d.rotateRight(grandparent)
	} else if node == node.parent.right && node.parent == grandparent.right {
		d.rotateLeft(grandparent)
	}
}

func nodeColor(node *dirNode) color {
	if node == nil {
		return black
	}
	return node.color
}

// dirIterator holding the iterators state
type dirIterator struct {
	dir  *directory
	node *dirNode
	pos  position
}

type position byte

const (
	begin, onmyway, end position = 0, 1, 2
)

// iterator returns an iterator before the first fence
//
// IMPORTANT: iterator does not provide thread safety
func (d *directory) iterator() dirIterator {
	return dirIterator{dir: d, pos: begin}
}

// next moves the iterator to the next fence
func (it *dirIterator) next() bool {
	switch it.pos {
	case end:
		it.node = nil
		return false
	case begin:
		var minNode *dirNode
		for cur := it.dir.root; cur != nil; cur = cur.left {
			minNode = cur
		}
		if minNode == nil {
			it.pos = end
			return false
		}
		it.node = minNode
		it.pos = onmyway
		return true
	}

	if it.node.right != nil {
		it.node = it.node.right
		for it.node.left != nil {
			it.node = it.node.left
		}
		return true
	}

	for it.node.parent != nil {
		node := it.node
		it.node = it.node.parent
		if node == it.node.left {
			return true
		}
	}

	it.pos = end
	it.node = nil
	return false
}
