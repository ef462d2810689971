package geohash

import (
	"math"

	"github.com/mmcloughlin/geohash"
)

// StoragePrecision is the precision requests and providers are stored with.
// Any coarser cell is a prefix of it.
const StoragePrecision = 6

// coverSafety shrinks cell dimensions before comparing them to a radius, to
// absorb the difference between parallels and great circles.
const coverSafety = 0.9

// Encode coordinates into a geohash with specified precision.
func Encode(lat, lon float64, precision uint) string {
	return geohash.EncodeWithPrecision(lat, lon, precision)
}

// GetNeighbors returns the geohashes of neighboring cells.
func GetNeighbors(hash string) []string {
	neighbors := geohash.Neighbors(hash)
	return neighbors
}

// CoverCells returns the center cell containing p plus its eight neighbours,
// at the finest precision whose 3x3 block is guaranteed to contain every
// point within radiusKm of p. It returns nil when no such block exists, for
// example near the poles or the antimeridian; callers then scan everything.
func CoverCells(p Point, radiusKm float64) []string {
	if radiusKm <= 0 {
		radiusKm = 0
	}
	for precision := uint(StoragePrecision); precision >= 1; precision-- {
		center := Encode(p.Lat, p.Lon, precision)
		box := geohash.BoundingBox(center)
		heightDeg := box.MaxLat - box.MinLat
		widthDeg := box.MaxLng - box.MinLng

		blockMinLat := box.MinLat - heightDeg
		blockMaxLat := box.MaxLat + heightDeg
		if blockMinLat <= -90 || blockMaxLat >= 90 {
			continue
		}
		if box.MinLng-widthDeg < -180 || box.MaxLng+widthDeg > 180 {
			continue
		}

		poleward := math.Max(math.Abs(blockMinLat), math.Abs(blockMaxLat))
		heightKm := heightDeg * kmPerDegree * coverSafety
		widthKm := widthDeg * kmPerDegree * math.Cos(toRadians(poleward)) * coverSafety
		if heightKm < radiusKm || widthKm < radiusKm {
			continue
		}
		return append(GetNeighbors(center), center)
	}
	return nil
}

// CellPrecision returns the precision of the cells CoverCells produced.
func CellPrecision(cells []string) int {
	if len(cells) == 0 {
		return 0
	}
	return len(cells[0])
}
