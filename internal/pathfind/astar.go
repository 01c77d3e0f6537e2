// Package pathfind plans point-to-point routes over the patrol coverage grid
// using A* search.
package pathfind

import (
	"container/heap"

	"github.com/yardbot/excavator/internal/patrol"
)

// Cell is a grid coordinate.
type Cell struct {
	Row, Col int
}

// Grid is the read-only view of the coverage grid that planning needs.
// *patrol.Planner satisfies it.
type Grid interface {
	Rows() int
	Cols() int
	CellAt(row, col int) patrol.CellStatus
}

// item is a priority-queue entry. Ties on fScore break on insertion order so
// that output is deterministic for deterministic input.
type item struct {
	cell    Cell
	fScore  int
	counter int
}

type openSet []*item

func (s openSet) Len() int { return len(s) }
func (s openSet) Less(i, j int) bool {
	if s[i].fScore != s[j].fScore {
		return s[i].fScore < s[j].fScore
	}
	return s[i].counter < s[j].counter
}
func (s openSet) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s *openSet) Push(x any)        { *s = append(*s, x.(*item)) }
func (s *openSet) Pop() any {
	old := *s
	n := len(old)
	it := old[n-1]
	*s = old[:n-1]
	return it
}

// manhattan is the heuristic: admissible and consistent on a 4-connected
// unit-cost grid, so returned paths are optimal.
func manhattan(a, b Cell) int {
	return abs(a.Row-b.Row) + abs(a.Col-b.Col)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Plan finds a shortest 4-connected path from start to goal, inclusive of
// both endpoints, avoiding Obstacle cells. Returns nil when the goal is
// unreachable or either endpoint is out of bounds or blocked.
func Plan(g Grid, start, goal Cell) []Cell {
	if !walkable(g, start) || !walkable(g, goal) {
		return nil
	}
	if start == goal {
		return []Cell{start}
	}

	open := &openSet{}
	heap.Init(open)
	counter := 0
	heap.Push(open, &item{cell: start, fScore: manhattan(start, goal), counter: counter})

	cameFrom := make(map[Cell]Cell)
	gScore := map[Cell]int{start: 0}

	for open.Len() > 0 {
		current := heap.Pop(open).(*item).cell

		if current == goal {
			return reconstruct(cameFrom, start, current)
		}

		for _, next := range neighbors(g, current) {
			tentative := gScore[current] + 1
			if prev, seen := gScore[next]; seen && tentative >= prev {
				continue
			}
			cameFrom[next] = current
			gScore[next] = tentative
			counter++
			heap.Push(open, &item{
				cell:    next,
				fScore:  tentative + manhattan(next, goal),
				counter: counter,
			})
		}
	}

	return nil // unreachable
}

func walkable(g Grid, c Cell) bool {
	if c.Row < 0 || c.Row >= g.Rows() || c.Col < 0 || c.Col >= g.Cols() {
		return false
	}
	return g.CellAt(c.Row, c.Col) != patrol.Obstacle
}

func neighbors(g Grid, c Cell) []Cell {
	out := make([]Cell, 0, 4)
	for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		n := Cell{Row: c.Row + d[0], Col: c.Col + d[1]}
		if walkable(g, n) {
			out = append(out, n)
		}
	}
	return out
}

func reconstruct(cameFrom map[Cell]Cell, start, current Cell) []Cell {
	path := []Cell{current}
	for current != start {
		current = cameFrom[current]
		path = append(path, current)
	}
	// Reverse in place: path was built goal-first.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// PlanWorld plans a route between two world positions over the planner's
// grid and maps the result back to world coordinates at cell centers.
func PlanWorld(p *patrol.Planner, startX, startY, goalX, goalY float64) []patrol.Waypoint {
	sr, sc := p.PositionToGrid(startX, startY)
	gr, gc := p.PositionToGrid(goalX, goalY)

	cells := Plan(p, Cell{sr, sc}, Cell{gr, gc})
	if cells == nil {
		return nil
	}

	out := make([]patrol.Waypoint, len(cells))
	for i, c := range cells {
		x, y := p.GridToPosition(c.Row, c.Col)
		out[i] = patrol.Waypoint{X: x, Y: y}
	}
	return out
}

// PlanToHome plans a route from the given world position to home.
func PlanToHome(p *patrol.Planner, x, y, homeX, homeY float64) []patrol.Waypoint {
	return PlanWorld(p, x, y, homeX, homeY)
}
