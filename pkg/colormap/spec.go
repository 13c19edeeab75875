package colormap

import (
	"fmt"
	"image/color"
	"sort"
	"strings"
)

// Spec selects a colormap either by built-in name or by an explicit list of
// RGB stops. Exactly one of the two forms is set; a Spec is resolved once at
// configuration time and the resulting Colormap is used from then on.
type Spec struct {
	name  string
	stops []color.RGBA
}

// Named returns a Spec referring to a built-in colormap.
func Named(name string) Spec {
	return Spec{name: strings.ToLower(strings.TrimSpace(name))}
}

// ExplicitStops returns a Spec built from an ordered sequence of RGB stops.
func ExplicitStops(stops []color.RGBA) Spec {
	out := make([]color.RGBA, len(stops))
	copy(out, stops)
	return Spec{stops: out}
}

// Resolve turns the Spec into a usable Colormap.
func (s Spec) Resolve() (Colormap, error) {
	if len(s.stops) > 0 {
		if len(s.stops) < 2 {
			return nil, fmt.Errorf("explicit colormap needs at least 2 stops, got %d", len(s.stops))
		}
		return LinearColormap{colors: s.stops}, nil
	}

	cmap, ok := named[s.name]
	if !ok {
		known := Names()
		sort.Strings(known)
		return nil, fmt.Errorf("unknown colormap %q (known: %s)", s.name, strings.Join(known, ", "))
	}
	return cmap, nil
}
