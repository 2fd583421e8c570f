/**************************
File: waitForGraph.go
Author: Mingyi Lim
Description: This file contains the implementation of the WaitForGraph. The graph only holds the blocking relations observed during the current tick and is searched for deadlocks at the end of every tick.
***************************/

package domain

import (
	"sort"
)

/*
************
Custom Structs
************
*/

/* from waits for to. time is the start time of from */
type WaitFor struct {
	from int
	to   int
	time int
}

func (w WaitFor) GetFrom() int {
	return w.from
}

func (w WaitFor) GetTo() int {
	return w.to
}

func (w WaitFor) GetTime() int {
	return w.time
}

/* Edges are kept in the order they were observed */
type WaitForGraph struct {
	edges []WaitFor
}

/* Creates and returns an empty WaitForGraph */
func CreateWaitForGraph() *WaitForGraph {
	return &WaitForGraph{
		edges: make([]WaitFor, 0),
	}
}

/* Records that from waits for to. A transaction never waits for itself */
func (g *WaitForGraph) AddEdge(from int, to int, time int) {
	if from == to {
		return
	}
	g.edges = append(g.edges, WaitFor{from: from, to: to, time: time})
}

/* Removes every edge naming the transaction */
func (g *WaitForGraph) RemoveTransaction(tx int) {
	remaining := g.edges[:0]
	for _, edge := range g.edges {
		if edge.from != tx && edge.to != tx {
			remaining = append(remaining, edge)
		}
	}
	g.edges = remaining
}

/* Returns a copy of the edges observed this tick */
func (g *WaitForGraph) GetEdges() []WaitFor {
	result := make([]WaitFor, len(g.edges))
	copy(result, g.edges)
	return result
}

/* Drops every edge, called at the start of a tick */
func (g *WaitForGraph) Reset() {
	g.edges = make([]WaitFor, 0)
}

/* Returns the distinct transactions appearing in the graph, ascending */
func (g *WaitForGraph) GetNodes() []int {
	seen := make(map[int]bool)
	nodes := make([]int, 0)
	for _, edge := range g.edges {
		for _, tx := range []int{edge.from, edge.to} {
			if !seen[tx] {
				seen[tx] = true
				nodes = append(nodes, tx)
			}
		}
	}
	sort.Ints(nodes)
	return nodes
}

/*
Finds the transactions to abort so that the graph becomes acyclic.
Only the latest outgoing edge of each transaction is followed. For every cycle found, the youngest member
(latest start time, first seen on ties) is chosen and removed from the graph before searching again.
Returns the victims in the order they were chosen.
*/
func (g *WaitForGraph) FindDeadlockVictims() []int {
	nodes := g.GetNodes()
	index := make(map[int]int, len(nodes))
	for i, tx := range nodes {
		index[tx] = i
	}
	matrix := make([][]int, len(nodes))
	for i := range matrix {
		matrix[i] = make([]int, len(nodes))
	}
	times := make([]int, len(nodes))
	for _, edge := range g.edges {
		row := matrix[index[edge.from]]
		for j := range row {
			row[j] = 0
		}
		row[index[edge.to]] = 1
		times[index[edge.from]] = edge.time
	}

	victims := make([]int, 0)
	for {
		cycle := findCycle(matrix)
		if cycle == nil {
			return victims
		}
		victim := cycle[0]
		for _, node := range cycle[1:] {
			if times[node] > times[victim] {
				victim = node
			}
		}
		victims = append(victims, nodes[victim])
		for j := range matrix {
			matrix[victim][j] = 0
			matrix[j][victim] = 0
		}
	}
}

/*
*************************
Private Methods
*************************
*/

/* Walks the single outgoing edge of every undiscovered node. Returns the nodes of the first cycle met, in walk order */
func findCycle(matrix [][]int) []int {
	finished := make([]bool, len(matrix))
	for start := range matrix {
		if finished[start] {
			continue
		}
		walk := make([]int, 0)
		position := make(map[int]int)
		current := start
		for {
			if at, seen := position[current]; seen {
				return walk[at:]
			}
			if finished[current] {
				break
			}
			position[current] = len(walk)
			walk = append(walk, current)
			next := nextNode(matrix[current])
			if next < 0 {
				break
			}
			current = next
		}
		for _, node := range walk {
			finished[node] = true
		}
	}
	return nil
}

/* Returns the lowest column set in the row, or -1 */
func nextNode(row []int) int {
	for j, set := range row {
		if set != 0 {
			return j
		}
	}
	return -1
}
