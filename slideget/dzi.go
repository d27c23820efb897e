// Package slideget implements the addressing math and streaming transport
// pieces needed to retrieve regions of a Deep Zoom Image (DZI) pyramid from
// the Sectra DPAT image analysis API.
//
// A DziDescription represents an entire zoomable image. The image is
// retrievable at fixed zoom steps called levels: the base level is native
// resolution, each step down halves both dimensions. Every level consists of
// cols*rows tiles that are each at most (tileSize, tileSize) but may be
// smaller at the right and bottom edges of the image.
package slideget

import (
	"fmt"
	"math"
	"math/bits"

	sgerrors "github.com/sectra-medical/dpat-slideget/slideget/errors"
)

// DziDescription describes a Deep Zoom Image pyramid. Magnification and
// Resolution are optional calibration data; zero means unset.
type DziDescription struct {
	Width         int     // base image width in pixels
	Height        int     // base image height in pixels
	TileSize      int     // tile edge length
	TileOverlap   int     // shared border pixels on interior tile edges
	Magnification float64 // nominal optical zoom at the base level, e.g. 40 for 40x
	Resolution    float64 // microns per pixel at the base level
}

// NewDziDescription validates the base geometry and returns a descriptor
// without calibration data. Use WithMagnification / WithResolution to attach
// calibration.
func NewDziDescription(width, height, tileSize int) (DziDescription, error) {
	if width <= 0 || height <= 0 {
		return DziDescription{}, sgerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("image size %dx%d must be positive", width, height))
	}
	if tileSize <= 0 {
		return DziDescription{}, sgerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("tile size %d must be positive", tileSize))
	}
	return DziDescription{Width: width, Height: height, TileSize: tileSize}, nil
}

// WithTileOverlap returns a copy with the given interior-edge overlap.
func (d DziDescription) WithTileOverlap(overlap int) DziDescription {
	d.TileOverlap = overlap
	return d
}

// WithMagnification returns a copy calibrated with the base-level
// magnification.
func (d DziDescription) WithMagnification(mag float64) DziDescription {
	d.Magnification = mag
	return d
}

// WithResolution returns a copy calibrated with the base-level resolution in
// microns per pixel.
func (d DziDescription) WithResolution(mpp float64) DziDescription {
	d.Resolution = mpp
	return d
}

// BaseLevel returns ceil(log2(max(width, height))), the largest addressable
// level. The level at BaseLevel has the full native dimensions.
func (d DziDescription) BaseLevel() int {
	n := d.Width
	if d.Height > n {
		n = d.Height
	}
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Level returns the given level, strictly bounds checked against
// [0, BaseLevel].
func (d DziDescription) Level(level int) (DziLevel, error) {
	if level < 0 || level > d.BaseLevel() {
		return DziLevel{}, sgerrors.ErrLevelOutOfRange.WithDetail("level", level).WithDetail("baselevel", d.BaseLevel())
	}
	return DziLevel{desc: d, Number: level}, nil
}

// Levels returns every level from 0 up to and including the base level,
// ascending.
func (d DziDescription) Levels() []DziLevel {
	return d.LevelsFrom(0)
}

// LevelsFrom returns the levels from start up to and including the base
// level, ascending. A negative start is treated as 0; a start past the base
// level yields an empty sequence.
func (d DziDescription) LevelsFrom(start int) []DziLevel {
	if start < 0 {
		start = 0
	}
	base := d.BaseLevel()
	if start > base {
		return nil
	}
	levels := make([]DziLevel, 0, base-start+1)
	for n := start; n <= base; n++ {
		levels = append(levels, DziLevel{desc: d, Number: n})
	}
	return levels
}

// LevelApproxWidth returns the smallest level whose width is at least the
// requested width. Widths at or above the base image width clamp to the base
// level.
func (d DziDescription) LevelApproxWidth(width int) DziLevel {
	if width >= d.Width {
		return DziLevel{desc: d, Number: d.BaseLevel()}
	}
	for _, lvl := range d.Levels() {
		if lvl.Width() >= width {
			return lvl
		}
	}
	return DziLevel{desc: d, Number: d.BaseLevel()}
}

// LevelAtMagnification returns the level whose magnification is closest to
// the requested one. Requires magnification calibration; requests above the
// slide's native magnification are rejected.
func (d DziDescription) LevelAtMagnification(mag float64) (DziLevel, error) {
	if d.Magnification == 0 {
		return DziLevel{}, sgerrors.ErrCalibrationMissing.WithMessage("magnification not set on this descriptor")
	}
	if mag <= 0 {
		return DziLevel{}, sgerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("requested magnification %g must be positive", mag))
	}
	if mag > d.Magnification {
		return DziLevel{}, sgerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("requested magnification %g is larger than slide's max %g", mag, d.Magnification))
	}
	levelDiff := int(math.Round(math.Log2(d.Magnification / mag)))
	level := d.BaseLevel() - levelDiff
	if level < 0 {
		level = 0
	}
	return DziLevel{desc: d, Number: level}, nil
}

// LevelFit is the result of resolution-based level selection. Ratio is the
// actual resolution divided by the requested one, so callers can judge how
// close the fit is.
type LevelFit struct {
	Level DziLevel
	MPP   float64 // actual microns per pixel at the selected level
	Ratio float64 // actual / requested
}

// LevelAtResolution returns the level closest to the requested resolution in
// microns per pixel. Requires resolution calibration. With preferHigherRes
// the selection rounds down, always landing on the finer of the two
// neighbouring levels. Requests finer than the native resolution clamp to
// the base level rather than failing: no finer level exists, and callers
// rely on always getting a level back.
func (d DziDescription) LevelAtResolution(mpp float64, preferHigherRes bool) (LevelFit, error) {
	if d.Resolution == 0 {
		return LevelFit{}, sgerrors.ErrCalibrationMissing.WithMessage("resolution not set on this descriptor")
	}
	if mpp <= 0 {
		return LevelFit{}, sgerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("requested resolution %g must be positive", mpp))
	}
	ratio := mpp / d.Resolution
	levelDiff := int(math.Round(math.Log2(ratio)))
	if preferHigherRes {
		levelDiff = int(math.Floor(math.Log2(ratio)))
	}
	if ratio < 1.0 {
		levelDiff = 0
	}
	level := d.BaseLevel() - levelDiff
	if level < 0 {
		level = 0
	}
	lvl := DziLevel{desc: d, Number: level}
	actual := lvl.Resolution()
	return LevelFit{Level: lvl, MPP: actual, Ratio: actual / mpp}, nil
}

func (d DziDescription) String() string {
	return fmt.Sprintf("<DziDescription width:%d height:%d tile_size:%d overlap:%d baselevel:%d />",
		d.Width, d.Height, d.TileSize, d.TileOverlap, d.BaseLevel())
}

// DziLevel is a read-only view of a single level within a pyramid. It is a
// plain value, cheap to copy and safe to share.
type DziLevel struct {
	desc   DziDescription
	Number int
}

// Desc returns the owning pyramid descriptor.
func (l DziLevel) Desc() DziDescription {
	return l.desc
}

// Scale returns 2^(level - baselevel), the factor from base dimensions to
// this level's dimensions. Always <= 1.
func (l DziLevel) Scale() float64 {
	return math.Ldexp(1, l.Number-l.desc.BaseLevel())
}

// Width returns the level's width in pixels, never less than 1.
func (l DziLevel) Width() int {
	w := int(math.Floor(float64(l.desc.Width) * l.Scale()))
	if w < 1 {
		w = 1
	}
	return w
}

// Height returns the level's height in pixels, never less than 1.
func (l DziLevel) Height() int {
	h := int(math.Floor(float64(l.desc.Height) * l.Scale()))
	if h < 1 {
		h = 1
	}
	return h
}

// Cols returns the number of tile columns in this level.
func (l DziLevel) Cols() int {
	return (l.Width() + l.desc.TileSize - 1) / l.desc.TileSize
}

// Rows returns the number of tile rows in this level.
func (l DziLevel) Rows() int {
	return (l.Height() + l.desc.TileSize - 1) / l.desc.TileSize
}

// NumTiles returns the total number of tiles in this level.
func (l DziLevel) NumTiles() int {
	return l.Cols() * l.Rows()
}

// Magnification returns the nominal magnification at this level, or 0 when
// the descriptor is uncalibrated.
func (l DziLevel) Magnification() float64 {
	if l.desc.Magnification == 0 {
		return 0
	}
	return l.desc.Magnification * l.Scale()
}

// Resolution returns the microns per pixel at this level, or 0 when the
// descriptor is uncalibrated.
func (l DziLevel) Resolution() float64 {
	if l.desc.Resolution == 0 {
		return 0
	}
	return l.desc.Resolution / l.Scale()
}

func (l DziLevel) String() string {
	return fmt.Sprintf("<DziLevel level:%d cols(x):%d rows(y):%d width,height:(%d, %d) />",
		l.Number, l.Cols(), l.Rows(), l.Width(), l.Height())
}
