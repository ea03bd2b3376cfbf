// Package geo holds coordinate validation, great-circle distance and the
// bounding-box maths used to prefilter proximity searches.
package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	errordefs "github.com/RegistryAccord/registryaccord-reports-go/internal/errors"
)

// EarthRadiusKm is the mean Earth radius used for haversine distances.
const EarthRadiusKm = 6371.0

// kmPerDegree is the arc length of one degree of latitude on the sphere above.
const kmPerDegree = EarthRadiusKm * math.Pi / 180

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate fails with RPT_INVALID_GEO unless lat is in [-90,90] and lng in [-180,180].
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return errordefs.New(errordefs.RPT_INVALID_GEO, fmt.Sprintf("latitude %v out of range [-90,90]", c.Lat), "")
	}
	if math.IsNaN(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		return errordefs.New(errordefs.RPT_INVALID_GEO, fmt.Sprintf("longitude %v out of range [-180,180]", c.Lng), "")
	}
	return nil
}

// FromParts builds an optional coordinate from nullable halves. Both absent
// yields nil; exactly one present is invalid.
func FromParts(lat, lng *float64) (*Coordinate, error) {
	switch {
	case lat == nil && lng == nil:
		return nil, nil
	case lat == nil || lng == nil:
		return nil, errordefs.New(errordefs.RPT_INVALID_GEO, "latitude and longitude must be supplied together", "")
	}
	c := Coordinate{Lat: *lat, Lng: *lng}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b Coordinate) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := lat2 - lat1
	dLng := toRad(b.Lng - a.Lng)

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// BoundingBox is a lat/lng rectangle. When WrapsAntimeridian is set the
// longitude range is [MinLng,180] joined with [-180,MaxLng].
type BoundingBox struct {
	MinLat, MaxLat    float64
	MinLng, MaxLng    float64
	WrapsAntimeridian bool
}

// boxSlack widens boxes by a hair so points exactly on the radius survive float rounding.
const boxSlack = 1e-9

// wholeWorld is the box every coordinate falls in.
var wholeWorld = BoundingBox{MinLat: -90, MaxLat: 90, MinLng: -180, MaxLng: 180}

// BoundingBoxAround returns the lat/lng bound of the spherical cap of
// radiusKm around center. Every point with DistanceKm(center,p) <= radiusKm
// lies inside it. Caps reaching a pole span every longitude.
func BoundingBoxAround(center Coordinate, radiusKm float64) BoundingBox {
	angular := radiusKm / EarthRadiusKm
	if angular >= math.Pi {
		return wholeWorld
	}
	capRegion := s2.CapFromCenterAngle(s2.PointFromLatLng(s2.LatLngFromDegrees(center.Lat, center.Lng)), s1.Angle(angular))
	rect := capRegion.RectBound()

	box := BoundingBox{
		MinLat: math.Max(toDeg(rect.Lat.Lo)-boxSlack, -90),
		MaxLat: math.Min(toDeg(rect.Lat.Hi)+boxSlack, 90),
		MinLng: -180,
		MaxLng: 180,
	}
	if rect.Lng.IsFull() || toDeg(rect.Lng.Length())+2*boxSlack >= 360 {
		return box
	}

	box.MinLng = toDeg(rect.Lng.Lo) - boxSlack
	box.MaxLng = toDeg(rect.Lng.Hi) + boxSlack
	box.WrapsAntimeridian = rect.Lng.IsInverted()
	switch {
	case box.MinLng < -180:
		box.MinLng += 360
		box.WrapsAntimeridian = true
	case box.MaxLng > 180:
		box.MaxLng -= 360
		box.WrapsAntimeridian = true
	}
	return box
}

// rect converts the box to an s2 region for cell coverings.
func (b BoundingBox) rect() s2.Rect {
	lat := r1.Interval{Lo: toRad(b.MinLat), Hi: toRad(b.MaxLat)}
	if !b.WrapsAntimeridian && b.MinLng <= -180 && b.MaxLng >= 180 {
		return s2.Rect{Lat: lat, Lng: s1.FullInterval()}
	}
	return s2.Rect{Lat: lat, Lng: s1.IntervalFromEndpoints(toRad(b.MinLng), toRad(b.MaxLng))}
}

// Contains reports whether c falls inside the box.
func (b BoundingBox) Contains(c Coordinate) bool {
	if c.Lat < b.MinLat || c.Lat > b.MaxLat {
		return false
	}
	if b.WrapsAntimeridian {
		return c.Lng >= b.MinLng || c.Lng <= b.MaxLng
	}
	return c.Lng >= b.MinLng && c.Lng <= b.MaxLng
}

// LngRanges splits the box longitude span into non-wrapping ranges.
func (b BoundingBox) LngRanges() [][2]float64 {
	if b.WrapsAntimeridian {
		return [][2]float64{{b.MinLng, 180}, {-180, b.MaxLng}}
	}
	return [][2]float64{{b.MinLng, b.MaxLng}}
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }

func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
