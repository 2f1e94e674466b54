package node

import (
	"sync"

	"ergo.services/hive/gen"
)

// Network connects the nodes running in the same OS process. Nodes joined
// to the network can send messages, link, monitor and spawn processes on
// each other. All of them must use the same encoder.
type Network struct {
	mutex sync.RWMutex
	nodes map[gen.Atom]*Node
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[gen.Atom]*Node),
	}
}

func (n *Network) join(node *Node) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exist := n.nodes[node.name]; exist {
		return gen.ErrNameTaken.GenWithStackByArgs(node.name)
	}
	n.nodes[node.name] = node
	return nil
}

func (n *Network) leave(node *Node) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.nodes[node.name] == node {
		delete(n.nodes, node.name)
	}
}

// Node returns the joined node by its name.
func (n *Network) Node(name gen.Atom) (*Node, bool) {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	node, found := n.nodes[name]
	return node, found
}

// Nodes returns the names of the joined nodes.
func (n *Network) Nodes() []gen.Atom {
	n.mutex.RLock()
	defer n.mutex.RUnlock()
	names := make([]gen.Atom, 0, len(n.nodes))
	for name := range n.nodes {
		names = append(names, name)
	}
	return names
}
