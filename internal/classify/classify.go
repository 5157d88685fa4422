// Package classify estimates the dominant colour of the vehicle at the stop
// line from a single camera frame. It is a coarse heuristic over the mean
// channel values of the frame centre, not an object detector.
package classify

import (
	"image"
	"image/color"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Label is a coarse colour name recorded with each violation.
type Label string

const (
	Red     Label = "Red"
	Blue    Label = "Blue"
	Green   Label = "Green"
	Yellow  Label = "Yellow"
	Black   Label = "Black"
	White   Label = "White"
	Unknown Label = "Unknown"
)

// Brightness/contrast applied to the crop before averaging. Cameras at the
// intersection are usually under-exposed at dusk.
const (
	Gain   = 1.2
	Offset = 30.0
)

// Means holds the average channel values of the adjusted centre crop.
type Means struct {
	R, G, B float64
}

// Classify returns the colour label of the centre third of frame. It never
// fails: frames too small to crop, or ambiguous colours, yield Unknown.
func Classify(frame image.Image) Label {
	m, ok := CenterMeans(frame)
	if !ok {
		return Unknown
	}
	return m.Label()
}

// CenterMeans crops frame to its middle third in both axes, applies the
// Gain/Offset adjustment and returns the per-channel means. ok is false when
// the crop is empty.
func CenterMeans(frame image.Image) (Means, bool) {
	if frame == nil {
		return Means{}, false
	}
	b := frame.Bounds()
	w, h := b.Dx(), b.Dy()
	crop := image.Rect(b.Min.X+w/3, b.Min.Y+h/3, b.Min.X+w*2/3, b.Min.Y+h*2/3)
	if crop.Empty() {
		return Means{}, false
	}

	n := crop.Dx() * crop.Dy()
	rs := make([]float64, 0, n)
	gs := make([]float64, 0, n)
	bs := make([]float64, 0, n)
	for y := crop.Min.Y; y < crop.Max.Y; y++ {
		for x := crop.Min.X; x < crop.Max.X; x++ {
			c := color.NRGBAModel.Convert(frame.At(x, y)).(color.NRGBA)
			rs = append(rs, adjust(c.R))
			gs = append(gs, adjust(c.G))
			bs = append(bs, adjust(c.B))
		}
	}

	return Means{
		R: stat.Mean(rs, nil),
		G: stat.Mean(gs, nil),
		B: stat.Mean(bs, nil),
	}, true
}

// adjust applies the linear brightness correction with saturation to the
// 8-bit channel range.
func adjust(v uint8) float64 {
	out := math.Round(math.Abs(Gain*float64(v) + Offset))
	if out > 255 {
		return 255
	}
	return out
}

// Label applies the threshold rules in priority order; the first match wins.
// The single-channel dominance rules run before the coarser Yellow, Black and
// White rules because a frame can loosely satisfy more than one.
func (m Means) Label() Label {
	r, g, b := m.R, m.G, m.B
	switch {
	case r > 120 && r > g+30 && r > b+30:
		return Red
	case b > 120 && b > r+30 && b > g+30:
		return Blue
	case g > 120 && g > r+30 && g > b+30:
		return Green
	case r > 150 && g > 150 && b < 100:
		return Yellow
	case r < 80 && g < 80 && b < 80:
		return Black
	case r > 180 && g > 180 && b > 180:
		return White
	default:
		return Unknown
	}
}
