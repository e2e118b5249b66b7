package timeline

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/nextconvert/compositor/internal/modules/filtergraph"
	"github.com/nextconvert/compositor/internal/modules/media"
)

// StagedFile is a remote asset written into the engine workspace before a run
type StagedFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Plan is a fully synthesized engine invocation
type Plan struct {
	Window Window
	Inputs [][]string // per-input argument groups, index i is engine input i
	Staged []StagedFile
	Graph  *filtergraph.Graph
	Final  string
	Output string
	Args   []string
}

const backgroundLabel = "background"

// videoEncodeArgs are appended to every video composite
var videoEncodeArgs = []string{"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p"}

// BuildVideoPlan synthesizes the filter graph and engine arguments for a
// video composite. Width and height must already be resolved; zero values
// fall back to 1280×720.
func BuildVideoPlan(clips []*Clip, opts VideoOptions) (*Plan, error) {
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, opts.Mode)
	}
	clips = compact(clips)
	if len(clips) == 0 {
		return nil, ErrNoClips
	}

	width, height := opts.Width, opts.Height
	if width <= 0 || height <= 0 {
		width, height = media.FallbackDimensions.Width, media.FallbackDimensions.Height
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	output := opts.OutputName
	if output == "" {
		output = VideoOutputName
	}

	b := &videoBuilder{
		window: ResolveWindow(clips, opts.RangeStart, opts.RangeEnd),
		width:  width,
		height: height,
		fps:    fps,
		graph:  &filtergraph.Graph{},
	}

	plan := &Plan{Window: b.window, Graph: b.graph, Output: output}

	duration := max(b.window.Duration(), MinDuration)
	plan.Inputs = append(plan.Inputs, []string{
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d:d=%s", width, height, fps, seconds(duration)),
	})
	for i, c := range clips {
		name := fmt.Sprintf("clip_%d.%s", i, media.GuessExtension(c.Src, "mp4"))
		plan.Staged = append(plan.Staged, StagedFile{Name: name, URL: c.Src})
		plan.Inputs = append(plan.Inputs, []string{"-i", name})
	}

	b.graph.Add(filtergraph.Chain{
		Inputs:  []string{filtergraph.StreamRef(0, "v")},
		Filters: []filtergraph.Filter{filtergraph.New("format", "pix_fmts", "yuv420p")},
		Outputs: []string{backgroundLabel},
	})

	var err error
	if opts.Mode == ModeConcatPerTrack {
		err = b.concatPerTrack(clips, opts.TrackOrder)
	} else {
		b.overlayAll(clips)
	}
	if err != nil {
		return nil, err
	}
	if b.overlays == 0 {
		return nil, ErrNoSegments
	}

	plan.Final = b.composite
	if err := plan.Graph.Validate(len(plan.Inputs), plan.Final); err != nil {
		return nil, fmt.Errorf("invalid filter graph: %w", err)
	}

	for _, in := range plan.Inputs {
		plan.Args = append(plan.Args, in...)
	}
	plan.Args = append(plan.Args,
		"-filter_complex", plan.Graph.String(),
		"-map", "["+plan.Final+"]",
	)
	plan.Args = append(plan.Args, videoEncodeArgs...)
	plan.Args = append(plan.Args, output)

	return plan, nil
}

type videoBuilder struct {
	window Window
	width  int
	height int
	fps    int
	graph  *filtergraph.Graph

	composite string
	overlays  int
}

// segmentFilters trims a clip to its clamped range, normalizes it to the
// output raster and pads it with transparent frames.
func (b *videoBuilder) segmentFilters(c *Clip, seg Segment, pad, stop float64) []filtergraph.Filter {
	filters := []filtergraph.Filter{
		filtergraph.New("trim", "start", seconds(seg.In), "duration", seconds(seg.Duration())),
		filtergraph.Positional("setpts", "PTS-STARTPTS"),
		filtergraph.New("fps", "fps", strconv.Itoa(b.fps)),
	}
	filters = append(filters, fitFilters(b.width, b.height)...)
	filters = append(filters, EffectFilters(c)...)
	filters = append(filters, filtergraph.New("format", "pix_fmts", "yuva420p"))

	tpad := filtergraph.New("tpad", "start_duration", seconds(pad))
	if stop > 0 {
		tpad.Params = append(tpad.Params, filtergraph.Param{Key: "stop_duration", Value: seconds(stop)})
	}
	tpad.Params = append(tpad.Params, filtergraph.Param{Key: "color", Value: "black@0"})
	return append(filters, tpad)
}

// overlay layers label onto the running composite
func (b *videoBuilder) overlay(label string) {
	prev := b.composite
	if prev == "" {
		prev = backgroundLabel
	}
	out := fmt.Sprintf("overlay_%d", b.overlays)
	b.graph.Add(filtergraph.Chain{
		Inputs:  []string{prev, label},
		Filters: []filtergraph.Filter{filtergraph.New("overlay", "x", "0", "y", "0", "shortest", "1")},
		Outputs: []string{out},
	})
	b.composite = out
	b.overlays++
}

func (b *videoBuilder) overlayAll(clips []*Clip) {
	for i, c := range clips {
		seg, ok := b.window.Clamp(c)
		if !ok {
			continue
		}
		label := fmt.Sprintf("v%d", i)
		b.graph.Add(filtergraph.Chain{
			Inputs:  []string{filtergraph.StreamRef(i+1, "v")},
			Filters: b.segmentFilters(c, seg, b.window.Offset(seg.Start), b.window.End-seg.End),
			Outputs: []string{label},
		})
		b.overlay(label)
	}
}

type trackClip struct {
	index int
	clip  *Clip
}

type track struct {
	id    string
	clips []trackClip
}

// groupTracks groups clips by track id in discovery order
func groupTracks(clips []*Clip) []*track {
	var tracks []*track
	byID := make(map[string]*track)
	for i, c := range clips {
		t, ok := byID[c.Track]
		if !ok {
			t = &track{id: c.Track}
			byID[c.Track] = t
			tracks = append(tracks, t)
		}
		t.clips = append(t.clips, trackClip{index: i, clip: c})
	}
	return tracks
}

// orderTracks applies an explicit track order. Unlisted tracks are dropped.
func orderTracks(tracks []*track, order []string) ([]*track, error) {
	if len(order) == 0 {
		return tracks, nil
	}
	byID := make(map[string]*track, len(tracks))
	for _, t := range tracks {
		byID[t.id] = t
	}
	ordered := make([]*track, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ordered = append(ordered, t)
	}
	return ordered, nil
}

func (b *videoBuilder) concatPerTrack(clips []*Clip, order []string) error {
	tracks, err := orderTracks(groupTracks(clips), order)
	if err != nil {
		return err
	}

	for ti, t := range tracks {
		sort.SliceStable(t.clips, func(i, j int) bool {
			return t.clips[i].clip.Start < t.clips[j].clip.Start
		})

		var segments []filtergraph.Chain
		cursor := b.window.Start
		for _, tc := range t.clips {
			seg, ok := b.window.Clamp(tc.clip)
			if !ok {
				continue
			}
			gap := max(seg.Start-cursor, 0)
			segments = append(segments, filtergraph.Chain{
				Inputs:  []string{filtergraph.StreamRef(tc.index+1, "v")},
				Filters: b.segmentFilters(tc.clip, seg, gap, 0),
				Outputs: []string{fmt.Sprintf("t%d_s%d", ti, len(segments))},
			})
			cursor = seg.End
		}
		if len(segments) == 0 {
			continue
		}

		// The last segment holds transparent frames until the window ends.
		if tail := b.window.End - cursor; tail > 0 {
			last := &segments[len(segments)-1]
			tpad := &last.Filters[len(last.Filters)-1]
			tpad.Params = append(tpad.Params[:1:1], filtergraph.Param{Key: "stop_duration", Value: seconds(tail)}, filtergraph.Param{Key: "color", Value: "black@0"})
		}

		label := fmt.Sprintf("track_%d", ti)
		if len(segments) == 1 {
			segments[0].Outputs = []string{label}
			b.graph.Add(segments[0])
		} else {
			inputs := make([]string, len(segments))
			for i, s := range segments {
				b.graph.Add(s)
				inputs[i] = s.Outputs[0]
			}
			b.graph.Add(filtergraph.Chain{
				Inputs:  inputs,
				Filters: []filtergraph.Filter{filtergraph.New("concat", "n", strconv.Itoa(len(segments)), "v", "1", "a", "0")},
				Outputs: []string{label},
			})
		}
		b.overlay(label)
	}
	return nil
}
