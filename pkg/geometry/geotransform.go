package geometry

// GeoTransform maps native image pixel coordinates to geographic
// coordinates. The pipeline depends on this abstractly; reports include
// geographic columns only when a transform is available for the image.
type GeoTransform interface {
	PixelToGeo(x, y float64) (lon, lat float64)
}

// Affine is a six-coefficient affine geotransform in the GIS
// convention: lon = A + x*B + y*C, lat = D + x*E + y*F, with (A,D) the
// coordinates of the top-left pixel corner.
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// NewNorthUpTransform builds the common north-up affine case: a known
// top-left corner and a per-pixel ground size in degrees, no rotation.
func NewNorthUpTransform(originLon, originLat, degPerPxX, degPerPxY float64) *Affine {
	return &Affine{
		A: originLon, B: degPerPxX, C: 0,
		D: originLat, E: 0, F: -degPerPxY,
	}
}

// PixelToGeo applies the transform.
func (t *Affine) PixelToGeo(x, y float64) (lon, lat float64) {
	lon = t.A + x*t.B + y*t.C
	lat = t.D + x*t.E + y*t.F
	return lon, lat
}
