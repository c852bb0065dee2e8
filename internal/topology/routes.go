package topology

// Infinite stands in for an unreachable distance. Chosen, per spec.md
// §9 (topology::infinite in physical_switch.hpp), large enough that
// adding it to itself never overflows but far larger than any real path
// length.
const Infinite = 10000

// Routes is the result of an all-pairs shortest-path computation: for
// every switch id s, Dist[s] is the hop count to every other switch
// (Infinite if unreachable) and Next[s] is the local port to forward
// traffic for that destination over.
type Routes struct {
	Dist map[int]map[int]int
	Next map[int]map[int]uint32
}

// Recompute runs Floyd-Warshall over the Engine's current live-link
// neighbor graph, restricted to the given switch ids (every registered
// physical switch, including ones with no links yet). It implements
// spec.md §4.5: "clear all dist/next on every physical switch, seed each
// switch with (self,0) and (neighbour,1,port), then run Floyd-Warshall".
func (e *Engine) Recompute(switchIDs []int) Routes {
	neighbors := e.Neighbors()

	dist := make(map[int]map[int]int, len(switchIDs))
	next := make(map[int]map[int]uint32, len(switchIDs))
	for _, s := range switchIDs {
		dist[s] = make(map[int]int, len(switchIDs))
		next[s] = make(map[int]uint32)
		for _, t := range switchIDs {
			if s == t {
				dist[s][t] = 0
			} else {
				dist[s][t] = Infinite
			}
		}
	}

	for _, s := range switchIDs {
		for neighborID, port := range neighbors[s] {
			if _, ok := dist[s][neighborID]; !ok {
				continue // neighbor not in the registered switch set
			}
			dist[s][neighborID] = 1
			next[s][neighborID] = port
		}
	}

	for _, k := range switchIDs {
		for _, i := range switchIDs {
			for _, j := range switchIDs {
				if dist[i][k]+dist[k][j] < dist[i][j] {
					dist[i][j] = dist[i][k] + dist[k][j]
					next[i][j] = next[i][k]
				}
			}
		}
	}

	return Routes{Dist: dist, Next: next}
}
