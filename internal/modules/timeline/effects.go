package timeline

import (
	"fmt"
	"strconv"

	"github.com/nextconvert/compositor/internal/modules/filtergraph"
)

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// EffectFilters returns the visual adjustment filters for a clip.
// eq is emitted when any of brightness, contrast or saturation differ from 1;
// boxblur when blur is positive, capped at MaxBlurRadius.
func EffectFilters(c *Clip) []filtergraph.Filter {
	var filters []filtergraph.Filter

	brightness := valueOr(c.Brightness, 1)
	contrast := valueOr(c.Contrast, 1)
	saturation := valueOr(c.Saturation, 1)
	if brightness != 1 || contrast != 1 || saturation != 1 {
		filters = append(filters, filtergraph.New("eq",
			"brightness", fmt.Sprintf("%.2f", brightness-1),
			"contrast", fmt.Sprintf("%.2f", contrast),
			"saturation", fmt.Sprintf("%.2f", saturation),
		))
	}

	if blur := valueOr(c.Blur, 0); blur > 0 {
		radius := min(blur, MaxBlurRadius)
		filters = append(filters, filtergraph.New("boxblur",
			"luma_radius", strconv.FormatFloat(radius, 'f', -1, 64),
			"luma_power", "1",
		))
	}

	return filters
}

// EffectExpression renders the effect filters of c as a -vf chain, or "" when there are none
func EffectExpression(c *Clip) string {
	filters := EffectFilters(c)
	if len(filters) == 0 {
		return ""
	}
	return filtergraph.Chain{Filters: filters}.String()
}

// fitFilters scale a frame to fit width×height preserving aspect ratio and pad it centered
func fitFilters(width, height int) []filtergraph.Filter {
	w, h := strconv.Itoa(width), strconv.Itoa(height)
	return []filtergraph.Filter{
		{Name: "scale", Params: []filtergraph.Param{{Value: w}, {Value: h}, {Key: "force_original_aspect_ratio", Value: "decrease"}}},
		filtergraph.Positional("pad", w, h, "(ow-iw)/2", "(oh-ih)/2"),
		filtergraph.Positional("setsar", "1"),
	}
}
