package timeline

import (
	"fmt"
	"math"
	"strconv"

	"github.com/nextconvert/compositor/internal/modules/filtergraph"
	"github.com/nextconvert/compositor/internal/modules/media"
)

const mixLabel = "mix"

// loudnessFilters normalize to -16 LUFS integrated, -1.5 dBTP, LRA 11, then compress
var loudnessFilters = []filtergraph.Filter{
	filtergraph.New("loudnorm", "I", "-16", "TP", "-1.5", "LRA", "11"),
	{Name: "acompressor"},
}

// BuildAudioPlan synthesizes the mixdown of clips. Each clip is trimmed to its
// clamped range, scaled by its volume and delayed to its timeline position.
func BuildAudioPlan(clips []*Clip, opts AudioOptions) (*Plan, error) {
	clips = compact(clips)
	if len(clips) == 0 {
		return nil, ErrNoClips
	}

	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	output := opts.OutputName
	if output == "" {
		output = AudioOutputName
	}

	window := ResolveWindow(clips, opts.RangeStart, opts.RangeEnd)
	plan := &Plan{Window: window, Graph: &filtergraph.Graph{}, Output: output}

	for i, c := range clips {
		name := fmt.Sprintf("audio_%d.%s", i, media.GuessExtension(c.Src, "mp3"))
		plan.Staged = append(plan.Staged, StagedFile{Name: name, URL: c.Src})
		plan.Inputs = append(plan.Inputs, []string{"-i", name})
	}

	var mixInputs []string
	for i, c := range clips {
		seg, ok := window.Clamp(c)
		if !ok {
			continue
		}
		delay := strconv.FormatInt(int64(math.Round(window.Offset(seg.Start)*1000)), 10)
		label := fmt.Sprintf("a%d", i)
		plan.Graph.Add(filtergraph.Chain{
			Inputs: []string{filtergraph.StreamRef(i, "a")},
			Filters: []filtergraph.Filter{
				filtergraph.New("atrim", "start", seconds(seg.In), "duration", seconds(seg.Duration())),
				filtergraph.Positional("asetpts", "PTS-STARTPTS"),
				filtergraph.New("volume", "volume", strconv.FormatFloat(valueOr(c.Volume, 1), 'f', -1, 64)),
				filtergraph.New("adelay", "delays", delay+"|"+delay),
				filtergraph.Positional("asetpts", "N/SR/TB"),
			},
			Outputs: []string{label},
		})
		mixInputs = append(mixInputs, label)
	}
	if len(mixInputs) == 0 {
		return nil, ErrNoSegments
	}

	// Per-clip volumes stay as set: amix normalization is off.
	mix := []filtergraph.Filter{
		filtergraph.New("amix", "inputs", strconv.Itoa(len(mixInputs)), "normalize", "0", "duration", "longest"),
		filtergraph.Positional("volume", "1"),
	}
	if opts.Normalize {
		mix = append(mix, loudnessFilters...)
	}
	plan.Graph.Add(filtergraph.Chain{Inputs: mixInputs, Filters: mix, Outputs: []string{mixLabel}})
	plan.Final = mixLabel

	if err := plan.Graph.Validate(len(plan.Inputs), plan.Final); err != nil {
		return nil, fmt.Errorf("invalid filter graph: %w", err)
	}

	for _, in := range plan.Inputs {
		plan.Args = append(plan.Args, in...)
	}
	plan.Args = append(plan.Args,
		"-filter_complex", plan.Graph.String(),
		"-map", "["+plan.Final+"]",
		"-ar", strconv.Itoa(sampleRate),
		"-t", seconds(max(window.Duration(), MinDuration)),
		output,
	)

	return plan, nil
}
