// Package report renders command results for the terminal. Tables go to
// the writer given to New; colour is used only when that writer is a
// terminal.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sakuffo/slotctl/internal/cluster"
	"golang.org/x/term"
)

// Printer writes tables and summaries.
type Printer struct {
	out   io.Writer
	color bool

	header  lipgloss.Style
	cell    lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	neutral lipgloss.Style
}

// New returns a Printer for w. Colour is enabled when w is a terminal.
func New(w io.Writer) *Printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return NewWithColor(w, color)
}

// NewWithColor returns a Printer with colour forced on or off.
func NewWithColor(w io.Writer, color bool) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{
		out:     w,
		color:   color,
		header:  r.NewStyle(),
		cell:    r.NewStyle(),
		good:    r.NewStyle(),
		bad:     r.NewStyle(),
		neutral: r.NewStyle(),
	}
	if color {
		p.header = p.header.Bold(true)
		p.good = p.good.Foreground(lipgloss.Color("42"))
		p.bad = p.bad.Foreground(lipgloss.Color("196"))
		p.neutral = p.neutral.Foreground(lipgloss.Color("241"))
	}
	return p
}

// grid collects rows and the style of each coloured cell, then renders
// them as a borderless table. Columns are sized to their widest cell and
// cells never wrap.
type grid struct {
	p       *Printer
	headers []string
	rows    [][]string
	styles  []map[int]lipgloss.Style
}

func (p *Printer) newGrid(headers ...string) *grid {
	return &grid{p: p, headers: headers}
}

// add appends a row. styled maps column indexes to the style for that
// cell; other cells use the plain cell style.
func (g *grid) add(styled map[int]lipgloss.Style, cells ...string) {
	g.rows = append(g.rows, cells)
	g.styles = append(g.styles, styled)
}

func (g *grid) render() {
	t := table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		Headers(g.headers...).
		Rows(g.rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := g.p.cell
			switch {
			case row == table.HeaderRow:
				style = g.p.header
			case row >= 0 && row < len(g.styles):
				if s, ok := g.styles[row][col]; ok {
					style = s
				}
			}
			return style.PaddingRight(1)
		})

	for _, line := range strings.Split(strings.TrimRight(t.String(), "\n"), "\n") {
		fmt.Fprintln(g.p.out, strings.TrimRight(line, " "))
	}
}

func nodeCells(n cluster.Node) []string {
	return []string{fmt.Sprint(n.Slot), n.Hostname, n.Model.String()}
}

func (p *Printer) stateStyle(s cluster.PowerState) lipgloss.Style {
	switch s {
	case cluster.On:
		return p.good
	case cluster.Off:
		return p.neutral
	default:
		return p.cell
	}
}

// Status prints one row per node with its observed power state.
func (p *Printer) Status(statuses []cluster.NodeStatus) {
	g := p.newGrid("SLOT", "HOST", "MODEL", "STATE")
	for _, st := range statuses {
		state := st.State.String()
		if st.Node.IsController() {
			state += " (controller)"
		}
		g.add(map[int]lipgloss.Style{3: p.stateStyle(st.State)}, append(nodeCells(st.Node), state)...)
	}
	g.render()
}

// Report prints one row per node outcome followed by a summary line.
func (p *Printer) Report(rep *cluster.Report) {
	g := p.newGrid("SLOT", "HOST", "MODEL", "RESULT", "DETAIL")
	for _, o := range rep.Outcomes {
		var style lipgloss.Style
		var detail string
		switch o.Result {
		case cluster.Succeeded:
			style = p.good
			detail = o.Duration.Round(time.Millisecond).String()
		case cluster.Skipped:
			style = p.neutral
			detail = o.Reason
		default:
			style = p.bad
			detail = fmt.Sprintf("%s at %s: %v", cluster.FailureKind(o.Err), o.Stage, o.Err)
		}
		g.add(map[int]lipgloss.Style{3: style}, append(nodeCells(o.Node), o.Result.String(), detail)...)
	}
	g.render()
	fmt.Fprintf(p.out, "%s %s: %d succeeded, %d skipped, %d failed (operation %s)\n",
		rep.Operation, rep.Target,
		rep.Count(cluster.Succeeded), rep.Count(cluster.Skipped), rep.Count(cluster.Failed),
		rep.OperationID)
}

// PowerChange prints a single line for a watched state change.
func (p *Printer) PowerChange(e cluster.Event) {
	fmt.Fprintf(p.out, "%s slot %d (%s): %s -> %s\n",
		e.Timestamp.Format(time.TimeOnly), e.Node.Slot, e.Node.Hostname,
		e.Previous, p.stateStyle(e.State).Render(e.State.String()))
}

// Discovery prints which slots answered over mDNS and which did not.
func (p *Printer) Discovery(res *cluster.DiscoveryResult) {
	g := p.newGrid("SLOT", "HOST", "MODEL", "SEEN", "ADDRESSES")
	for _, s := range res.Found {
		addrs := make([]string, len(s.Addresses))
		for i, ip := range s.Addresses {
			addrs[i] = ip.String()
		}
		g.add(map[int]lipgloss.Style{3: p.good}, append(nodeCells(s.Node), "yes", strings.Join(addrs, ", "))...)
	}
	for _, n := range res.Missing {
		g.add(map[int]lipgloss.Style{3: p.bad}, append(nodeCells(n), "no", "")...)
	}
	g.render()
	if len(res.Unknown) > 0 {
		fmt.Fprintf(p.out, "unmatched hosts: %s\n", strings.Join(res.Unknown, ", "))
	}
}
