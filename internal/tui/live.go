package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/san-kum/mdloop/internal/mdrun"
)

const (
	width       = 70
	height      = 16
	clearScreen = "\033[2J\033[H"
	hideCursor  = "\033[?25l"
	showCursor  = "\033[?25h"
)

// LiveRenderer redraws a plain ANSI plot of the conserved energy of
// replica 0, at most frameRate times per second. It needs no terminal
// control beyond cursor movement.
type LiveRenderer struct {
	out       io.Writer
	model     string
	frameRate int

	mu        sync.Mutex
	lastFrame time.Time
	canvas    [][]rune
	trace     []float64
	last      mdrun.StepReport
}

func NewLiveRenderer(out io.Writer, model string, frameRate int) *LiveRenderer {
	if frameRate < 1 {
		frameRate = 1
	}
	canvas := make([][]rune, height)
	for i := range canvas {
		canvas[i] = make([]rune, width)
	}
	return &LiveRenderer{
		out:       out,
		model:     model,
		frameRate: frameRate,
		canvas:    canvas,
		trace:     make([]float64, 0, width),
	}
}

func (r *LiveRenderer) OnStep(rep mdrun.StepReport) {
	if rep.Replica != 0 || !rep.HaveEnergies {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.trace) == width {
		copy(r.trace, r.trace[1:])
		r.trace = r.trace[:width-1]
	}
	r.trace = append(r.trace, rep.Energies.Conserved)
	r.last = rep

	if time.Since(r.lastFrame) < time.Second/time.Duration(r.frameRate) {
		return
	}
	r.lastFrame = time.Now()
	r.clear()
	r.drawTrace()
	r.render()
}

func (r *LiveRenderer) clear() {
	for y := range r.canvas {
		for x := range r.canvas[y] {
			r.canvas[y][x] = ' '
		}
	}
}

func (r *LiveRenderer) set(x, y int, c rune) {
	if x >= 0 && x < width && y >= 0 && y < height {
		r.canvas[y][x] = c
	}
}

func (r *LiveRenderer) line(x1, y1, x2, y2 int, c rune) {
	dx := abs(x2 - x1)
	dy := abs(y2 - y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy
	for {
		r.set(x1, y1, c)
		if x1 == x2 && y1 == y2 {
			break
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func (r *LiveRenderer) drawTrace() {
	if len(r.trace) == 0 {
		return
	}
	lo, hi := r.bounds()
	row := func(v float64) int {
		return height - 1 - int((v-lo)/(hi-lo)*float64(height-1)+0.5)
	}
	px, py := 0, row(r.trace[0])
	for i, v := range r.trace {
		y := row(v)
		if i > 0 {
			r.line(px, py, i, y, '.')
		}
		px, py = i, y
	}
	r.set(px, py, 'o')
}

func (r *LiveRenderer) bounds() (float64, float64) {
	lo, hi := r.trace[0], r.trace[0]
	for _, v := range r.trace {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if hi-lo < 1e-12 {
		hi, lo = hi+0.5, lo-0.5
	}
	return lo, hi
}

func (r *LiveRenderer) render() {
	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(fmt.Sprintf("  %s  step %d  t=%.3fps\n", r.model, r.last.Step, r.last.Time))
	lo, hi := r.bounds()
	b.WriteString(fmt.Sprintf("  conserved %.4g .. %.4g\n", lo, hi))
	b.WriteString("  " + strings.Repeat("-", width) + "\n")

	for _, row := range r.canvas {
		b.WriteString("  ")
		b.WriteString(string(row))
		b.WriteString("\n")
	}

	b.WriteString("  " + strings.Repeat("-", width) + "\n")
	e := r.last.Energies
	b.WriteString(fmt.Sprintf("  Epot=%.2f Ekin=%.2f T=%.2fK P=%.2fbar\n", e.Epot, e.Ekin, e.Temperature, e.PresScalar))

	fmt.Fprint(r.out, b.String())
}

func (r *LiveRenderer) Start() { fmt.Fprint(r.out, hideCursor) }
func (r *LiveRenderer) Stop()  { fmt.Fprint(r.out, showCursor) }

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
