// Package patrol plans systematic coverage of a rectangular yard area and
// tracks visitation on a grid.
package patrol

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/yardbot/excavator/internal/monitoring"
)

// CellStatus is the visitation state of a coverage grid cell.
type CellStatus int

const (
	Unvisited CellStatus = iota
	Visited
	Obstacle
)

// Pattern selects the waypoint generation strategy.
type Pattern string

const (
	Lawnmower Pattern = "lawnmower"
	Spiral    Pattern = "spiral"
	Grid      Pattern = "grid"
)

// ParsePattern converts a configuration string to a Pattern.
func ParsePattern(s string) (Pattern, error) {
	switch Pattern(s) {
	case Lawnmower, Spiral, Grid:
		return Pattern(s), nil
	}
	return "", fmt.Errorf("unknown patrol pattern %q", s)
}

// Waypoint is an immutable patrol target coordinate in meters.
type Waypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stats summarizes patrol progress.
type Stats struct {
	CoveragePercent    float64 `json:"coverage_percent"`
	VisitedCells       int     `json:"visited_cells"`
	TotalCells         int     `json:"total_cells"`
	WaypointsCompleted int     `json:"waypoints_completed"`
	TotalWaypoints     int     `json:"total_waypoints"`
	ElapsedSeconds     float64 `json:"elapsed_seconds"`
	Pattern            Pattern `json:"pattern"`
}

// Config describes the patrol area and grid.
type Config struct {
	AreaX, AreaY          float64
	AreaWidth, AreaHeight float64
	CellSize              float64
	OverlapPercent        float64
	Pattern               Pattern
}

// Planner generates a waypoint sequence covering the area and tracks
// completion on a coverage grid. Grid dimensions are fixed at construction.
type Planner struct {
	mu sync.Mutex

	cfg        Config
	rows, cols int
	grid       [][]CellStatus

	waypoints []Waypoint
	cursor    int

	startTime time.Time
}

// New creates a planner for the configured area. Waypoints are not generated
// until GeneratePath is called.
func New(cfg Config) (*Planner, error) {
	if cfg.CellSize <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %f", cfg.CellSize)
	}
	if cfg.AreaWidth <= 0 || cfg.AreaHeight <= 0 {
		return nil, fmt.Errorf("patrol area must be positive, got %fx%f", cfg.AreaWidth, cfg.AreaHeight)
	}
	if _, err := ParsePattern(string(cfg.Pattern)); err != nil {
		return nil, err
	}

	cols := int(math.Ceil(cfg.AreaWidth / cfg.CellSize))
	rows := int(math.Ceil(cfg.AreaHeight / cfg.CellSize))

	grid := make([][]CellStatus, rows)
	for r := range grid {
		grid[r] = make([]CellStatus, cols)
	}

	monitoring.Logf("patrol planner: %.1fx%.1fm area at (%.1f, %.1f), %dx%d grid, pattern=%s",
		cfg.AreaWidth, cfg.AreaHeight, cfg.AreaX, cfg.AreaY, rows, cols, cfg.Pattern)

	return &Planner{
		cfg:       cfg,
		rows:      rows,
		cols:      cols,
		grid:      grid,
		startTime: time.Now(),
	}, nil
}

// Rows returns the grid row count.
func (p *Planner) Rows() int { return p.rows }

// Cols returns the grid column count.
func (p *Planner) Cols() int { return p.cols }

// Pattern returns the configured pattern.
func (p *Planner) Pattern() Pattern { return p.cfg.Pattern }

// GeneratePath (re)generates the waypoint sequence for the configured
// pattern and resets the consumption cursor.
func (p *Planner) GeneratePath() {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.Pattern {
	case Lawnmower:
		p.waypoints = p.generateLawnmower()
	case Spiral:
		p.waypoints = p.generateSpiral()
	case Grid:
		p.waypoints = p.generateGrid()
	}
	p.cursor = 0

	monitoring.Logf("generated %d waypoints for %s patrol", len(p.waypoints), p.cfg.Pattern)
}

// generateLawnmower produces a boustrophedon sweep: row-major, direction
// alternating per row, spaced by cellSize*(1-overlap/100).
func (p *Planner) generateLawnmower() []Waypoint {
	effective := p.cfg.CellSize * (1 - p.cfg.OverlapPercent/100)

	waypoints := make([]Waypoint, 0, p.rows*p.cols)
	for row := 0; row < p.rows; row++ {
		y := p.cfg.AreaY + (float64(row)+0.5)*effective
		if row%2 == 0 {
			for col := 0; col < p.cols; col++ {
				x := p.cfg.AreaX + (float64(col)+0.5)*effective
				waypoints = append(waypoints, Waypoint{X: x, Y: y})
			}
		} else {
			for col := p.cols - 1; col >= 0; col-- {
				x := p.cfg.AreaX + (float64(col)+0.5)*effective
				waypoints = append(waypoints, Waypoint{X: x, Y: y})
			}
		}
	}
	return waypoints
}

// generateSpiral produces an inward rectangular spiral: top row, right
// column, bottom row, left column, shrinking bounds each lap.
func (p *Planner) generateSpiral() []Waypoint {
	var waypoints []Waypoint
	at := func(row, col int) Waypoint {
		x, y := p.gridToPosition(row, col)
		return Waypoint{X: x, Y: y}
	}

	minRow, maxRow := 0, p.rows-1
	minCol, maxCol := 0, p.cols-1

	for minRow <= maxRow && minCol <= maxCol {
		for col := minCol; col <= maxCol; col++ {
			waypoints = append(waypoints, at(minRow, col))
		}
		minRow++

		for row := minRow; row <= maxRow; row++ {
			waypoints = append(waypoints, at(row, maxCol))
		}
		maxCol--

		if minRow <= maxRow {
			for col := maxCol; col >= minCol; col-- {
				waypoints = append(waypoints, at(maxRow, col))
			}
			maxRow--
		}

		if minCol <= maxCol {
			for row := maxRow; row >= minRow; row-- {
				waypoints = append(waypoints, at(row, minCol))
			}
			minCol++
		}
	}
	return waypoints
}

// generateGrid produces a plain row-major sweep with no alternation.
func (p *Planner) generateGrid() []Waypoint {
	waypoints := make([]Waypoint, 0, p.rows*p.cols)
	for row := 0; row < p.rows; row++ {
		for col := 0; col < p.cols; col++ {
			x, y := p.gridToPosition(row, col)
			waypoints = append(waypoints, Waypoint{X: x, Y: y})
		}
	}
	return waypoints
}

// Waypoints returns a copy of the generated waypoint sequence.
func (p *Planner) Waypoints() []Waypoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Waypoint, len(p.waypoints))
	copy(out, p.waypoints)
	return out
}

// NextWaypoint consumes and returns the next waypoint in generation order.
func (p *Planner) NextWaypoint() (Waypoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor >= len(p.waypoints) {
		return Waypoint{}, false
	}
	wp := p.waypoints[p.cursor]
	p.cursor++
	return wp, true
}

// HasMoreWaypoints reports whether unconsumed waypoints remain, without
// consuming one.
func (p *Planner) HasMoreWaypoints() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor < len(p.waypoints)
}

// MarkVisited maps world coordinates to a grid cell and flips it to Visited.
// Out-of-bounds positions are a silent no-op. Obstacle cells are not
// overwritten.
func (p *Planner) MarkVisited(x, y float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	row, col, ok := p.cellIndex(x, y)
	if !ok {
		return
	}
	if p.grid[row][col] == Unvisited {
		p.grid[row][col] = Visited
	}
}

// MarkObstacle flags the cell containing the given position as an obstacle.
// Out-of-bounds positions are a silent no-op.
func (p *Planner) MarkObstacle(x, y float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if row, col, ok := p.cellIndex(x, y); ok {
		p.grid[row][col] = Obstacle
	}
}

// cellIndex converts world coordinates to grid indices by floor division.
// Callers hold p.mu.
func (p *Planner) cellIndex(x, y float64) (row, col int, ok bool) {
	col = int(math.Floor((x - p.cfg.AreaX) / p.cfg.CellSize))
	row = int(math.Floor((y - p.cfg.AreaY) / p.cfg.CellSize))
	if row < 0 || row >= p.rows || col < 0 || col >= p.cols {
		return 0, 0, false
	}
	return row, col, true
}

// PositionToGrid converts world coordinates to grid indices, clamped to the
// grid bounds. Used for hotspot bookkeeping where the nearest cell is wanted.
func (p *Planner) PositionToGrid(x, y float64) (row, col int) {
	col = int(math.Floor((x - p.cfg.AreaX) / p.cfg.CellSize))
	row = int(math.Floor((y - p.cfg.AreaY) / p.cfg.CellSize))
	col = max(0, min(col, p.cols-1))
	row = max(0, min(row, p.rows-1))
	return row, col
}

// GridToPosition converts grid indices to the world coordinates of the cell
// center.
func (p *Planner) GridToPosition(row, col int) (x, y float64) {
	return p.gridToPosition(row, col)
}

func (p *Planner) gridToPosition(row, col int) (x, y float64) {
	x = p.cfg.AreaX + (float64(col)+0.5)*p.cfg.CellSize
	y = p.cfg.AreaY + (float64(row)+0.5)*p.cfg.CellSize
	return x, y
}

// CellAt returns the status of the cell at the given indices, or Obstacle
// for out-of-bounds indices so that path planning never routes off-grid.
func (p *Planner) CellAt(row, col int) CellStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	if row < 0 || row >= p.rows || col < 0 || col >= p.cols {
		return Obstacle
	}
	return p.grid[row][col]
}

// CoveragePercent returns the visited share of all cells, 0-100.
func (p *Planner) CoveragePercent() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.coveragePercent()
}

func (p *Planner) coveragePercent() float64 {
	visited := 0
	for _, row := range p.grid {
		for _, cell := range row {
			if cell == Visited {
				visited++
			}
		}
	}
	return float64(visited) / float64(p.rows*p.cols) * 100
}

// IsComplete reports whether coverage has reached the threshold percentage.
// Patrol may end with residual unvisited cells.
func (p *Planner) IsComplete(threshold float64) bool {
	return p.CoveragePercent() >= threshold
}

// UnvisitedCells returns the (row, col) indices of all unvisited cells.
func (p *Planner) UnvisitedCells() [][2]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out [][2]int
	for r := 0; r < p.rows; r++ {
		for c := 0; c < p.cols; c++ {
			if p.grid[r][c] == Unvisited {
				out = append(out, [2]int{r, c})
			}
		}
	}
	return out
}

// ResetPatrol clears the grid and cursor and restarts the elapsed-time
// baseline. Waypoints are not regenerated; call GeneratePath for that.
func (p *Planner) ResetPatrol() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for r := range p.grid {
		for c := range p.grid[r] {
			p.grid[r][c] = Unvisited
		}
	}
	p.cursor = 0
	p.startTime = time.Now()

	monitoring.Logf("patrol reset")
}

// Stats returns patrol progress statistics.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	visited := 0
	for _, row := range p.grid {
		for _, cell := range row {
			if cell == Visited {
				visited++
			}
		}
	}

	return Stats{
		CoveragePercent:    p.coveragePercent(),
		VisitedCells:       visited,
		TotalCells:         p.rows * p.cols,
		WaypointsCompleted: p.cursor,
		TotalWaypoints:     len(p.waypoints),
		ElapsedSeconds:     time.Since(p.startTime).Seconds(),
		Pattern:            p.cfg.Pattern,
	}
}
