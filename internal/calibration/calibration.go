// Package calibration validates camera calibration payloads and turns them
// into the persisted settings blob.
package calibration

import (
	"errors"
	"fmt"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

var (
	ErrTooFewCorners = errors.New("calibration needs at least 3 corners")
	ErrDegenerate    = errors.New("calibration corners enclose no area")
	ErrInvalidBounds = errors.New("scene bounds must have positive width and height")
)

// Calibration is a validated calibration update.
type Calibration struct {
	Corners     []protocol.Point
	SceneBounds *protocol.Bounds
	UpdatedAt   int64
	// Area of the polygon spanned by Corners, in camera units.
	Area float64
	// Hull is set when Corners do not form a simple ring in the order sent
	// and Area was taken from their convex hull. Corners are kept as sent.
	Hull bool
}

// Normalize validates u and stamps it with now. An update without corners
// is accepted as is; corners, when present, must enclose an area either in
// the order sent or as their convex hull.
func Normalize(u protocol.CalibrationUpdate, now time.Time) (Calibration, error) {
	c := Calibration{
		Corners:     u.Corners,
		SceneBounds: u.SceneBounds,
		UpdatedAt:   protocol.Millis(now),
	}

	if b := u.SceneBounds; b != nil && (b.Width <= 0 || b.Height <= 0) {
		return Calibration{}, ErrInvalidBounds
	}

	if len(u.Corners) == 0 {
		return c, nil
	}
	if len(u.Corners) < 3 {
		return Calibration{}, ErrTooFewCorners
	}

	poly, err := Footprint(u.Corners)
	if err != nil {
		// row-major corner order crosses itself
		if poly, err = Hull(u.Corners); err != nil {
			return Calibration{}, err
		}
		c.Hull = true
	}
	c.Area = poly.Area()
	if c.Area == 0 {
		return Calibration{}, ErrDegenerate
	}
	return c, nil
}

// Footprint builds the closed polygon through corners in order.
func Footprint(corners []protocol.Point) (geom.Polygon, error) {
	ring, err := geom.NewLineString(sequence(corners, true))
	if err != nil {
		return geom.Polygon{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	poly, err := geom.NewPolygon([]geom.LineString{ring})
	if err != nil {
		return geom.Polygon{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	return poly, nil
}

// Hull returns the convex hull of corners. Corners that are all collinear
// have no hull polygon.
func Hull(corners []protocol.Point) (geom.Polygon, error) {
	path, err := geom.NewLineString(sequence(corners, false))
	if err != nil {
		return geom.Polygon{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}
	poly, ok := path.ConvexHull().AsPolygon()
	if !ok {
		return geom.Polygon{}, ErrDegenerate
	}
	return poly, nil
}

func sequence(corners []protocol.Point, closed bool) geom.Sequence {
	coords := make([]float64, 0, 2*len(corners)+2)
	for _, p := range corners {
		coords = append(coords, p.X, p.Y)
	}
	if first, last := corners[0], corners[len(corners)-1]; closed && first != last {
		coords = append(coords, first.X, first.Y)
	}
	return geom.NewSequence(coords, geom.DimXY)
}

// Settings is the blob stored under calibrationData.
func (c Calibration) Settings() map[string]any {
	return map[string]any{
		"corners":      c.Corners,
		"scene_bounds": c.SceneBounds,
		"updated_at":   c.UpdatedAt,
	}
}
