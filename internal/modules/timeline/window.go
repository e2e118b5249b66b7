package timeline

import "strconv"

// Window is the export range on the timeline
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ResolveWindow returns the export window. Explicit bounds win; otherwise the
// window spans [0, max(clip.End)].
func ResolveWindow(clips []*Clip, start, end *float64) Window {
	w := Window{}
	if start != nil {
		w.Start = *start
	}
	if end != nil {
		w.End = *end
	} else {
		for _, c := range clips {
			if c.End > w.End {
				w.End = c.End
			}
		}
	}
	return w
}

// Duration of the window, never negative
func (w Window) Duration() float64 {
	if w.End <= w.Start {
		return 0
	}
	return w.End - w.Start
}

// Segment is a clip intersected with the export window
type Segment struct {
	Start float64 // clamped timeline start
	End   float64 // clamped timeline end
	In    float64 // source in-point
}

// Duration of the clamped segment
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Clamp intersects c with the window. ok is false when nothing remains.
func (w Window) Clamp(c *Clip) (Segment, bool) {
	start := max(c.Start, w.Start)
	end := min(c.End, w.End)
	if end <= start {
		return Segment{}, false
	}
	trim := max(c.TrimStart, 0)
	return Segment{Start: start, End: end, In: trim + (start - c.Start)}, true
}

// Offset returns how far after the window start t lies, never negative
func (w Window) Offset(t float64) float64 {
	return max(t-w.Start, 0)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
