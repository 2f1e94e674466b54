package node

// http://erlang.org/doc/reference_manual/processes.html

import (
	"sync"

	"ergo.services/hive/gen"
)

// monitor keeps the links and monitors of the local processes. Links are
// an undirected edge set: the edge A-B is stored as links[A][B] on the node
// of A and links[B][A] on the node of B. Cycles are allowed since the
// termination is handled by walking the edges of the terminated process only.
type monitor struct {
	node *Node

	mutex sync.Mutex
	// local process -> linked processes (local or remote)
	links map[gen.PID]map[gen.PID]struct{}
	// local target -> monitor tag -> monitoring process
	monitors map[gen.PID]map[gen.Tag]gen.PID
}

func newMonitor(node *Node) *monitor {
	return &monitor{
		node:     node,
		links:    make(map[gen.PID]map[gen.PID]struct{}),
		monitors: make(map[gen.PID]map[gen.Tag]gen.PID),
	}
}

func (m *monitor) addEdge(a, b gen.PID) {
	edges, found := m.links[a]
	if found == false {
		edges = make(map[gen.PID]struct{})
		m.links[a] = edges
	}
	edges[b] = struct{}{}
}

func (m *monitor) removeEdge(a, b gen.PID) bool {
	edges, found := m.links[a]
	if found == false {
		return false
	}
	if _, found := edges[b]; found == false {
		return false
	}
	delete(edges, b)
	if len(edges) == 0 {
		delete(m.links, a)
	}
	return true
}

// link creates the edge for the local process pid. Returns false if
// the local process is not alive.
func (m *monitor) linkLocal(pid, with gen.PID) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.node.lookup(pid) == nil {
		return false
	}
	m.addEdge(pid, with)
	return true
}

// link creates a link between the local process a and the process b.
func (m *monitor) link(a, b gen.PID) {
	if b.Node == m.node.name {
		m.mutex.Lock()
		if m.node.lookup(b) != nil {
			m.addEdge(a, b)
			m.addEdge(b, a)
			m.mutex.Unlock()
			return
		}
		m.mutex.Unlock()
		m.node.signalExit(a, b, gen.ErrProcessUnknown.GenWithStackByArgs(b))
		return
	}

	// the local edge goes first, so the termination of b can't be missed
	m.mutex.Lock()
	m.addEdge(a, b)
	m.mutex.Unlock()

	remote, err := m.node.route(b.Node)
	if err == nil && remote.monitor.linkLocal(b, a) {
		return
	}
	if err == nil {
		err = gen.ErrProcessUnknown.GenWithStackByArgs(b)
	}
	m.mutex.Lock()
	removed := m.removeEdge(a, b)
	m.mutex.Unlock()
	if removed {
		m.node.signalExit(a, b, err)
	}
}

func (m *monitor) unlink(a, b gen.PID) {
	m.mutex.Lock()
	m.removeEdge(a, b)
	if b.Node == m.node.name {
		m.removeEdge(b, a)
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()

	if remote, err := m.node.route(b.Node); err == nil {
		remote.monitor.unlinkLocal(b, a)
	}
}

func (m *monitor) unlinkLocal(pid, with gen.PID) {
	m.mutex.Lock()
	m.removeEdge(pid, with)
	m.mutex.Unlock()
}

// linkExit is invoked on the node of the local process pid once the linked
// process from has terminated. The signal is delivered only if the edge
// still exists, so nothing arrives after Unlink has returned.
func (m *monitor) linkExit(pid, from gen.PID, reason error) {
	m.mutex.Lock()
	removed := m.removeEdge(pid, from)
	if removed {
		m.node.signalExit(pid, from, reason)
	}
	m.mutex.Unlock()
}

// monitorProcess makes the process by monitor the local process target.
// Returns false if the target is not alive.
func (m *monitor) monitorProcess(by, target gen.PID, tag gen.Tag) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.node.lookup(target) == nil {
		return false
	}
	tags, found := m.monitors[target]
	if found == false {
		tags = make(map[gen.Tag]gen.PID)
		m.monitors[target] = tags
	}
	tags[tag] = by
	return true
}

func (m *monitor) demonitorProcess(target gen.PID, tag gen.Tag) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	tags, found := m.monitors[target]
	if found == false {
		return false
	}
	if _, found := tags[tag]; found == false {
		return false
	}
	delete(tags, tag)
	if len(tags) == 0 {
		delete(m.monitors, target)
	}
	return true
}

// processTerminated removes all the edges and monitors of the terminated
// local process and notifies the peers.
func (m *monitor) processTerminated(pid gen.PID, reason error) {
	m.mutex.Lock()
	edges := m.links[pid]
	delete(m.links, pid)
	tags := m.monitors[pid]
	delete(m.monitors, pid)

	var remote []gen.PID
	for peer := range edges {
		if peer.Node != m.node.name {
			remote = append(remote, peer)
			continue
		}
		if m.removeEdge(peer, pid) {
			m.node.signalExit(peer, pid, reason)
		}
	}
	for tag, by := range tags {
		if by.Node == m.node.name {
			m.node.signalDown(by, tag, pid, reason)
		}
	}
	m.mutex.Unlock()

	for _, peer := range remote {
		if node, err := m.node.route(peer.Node); err == nil {
			node.monitor.linkExit(peer, pid, reason)
		}
	}
	for tag, by := range tags {
		if by.Node == m.node.name {
			continue
		}
		if node, err := m.node.route(by.Node); err == nil {
			node.signalDown(by, tag, pid, reason)
		}
	}
}

func (m *monitor) processLinks(pid gen.PID) []gen.PID {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var links []gen.PID
	for peer := range m.links[pid] {
		links = append(links, peer)
	}
	return links
}

func (m *monitor) processMonitoredBy(pid gen.PID) []gen.PID {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var by []gen.PID
	for _, pid := range m.monitors[pid] {
		by = append(by, pid)
	}
	return by
}
