package parcels

import (
	"github.com/twpayne/go-geom"
)

// NewDemo returns a memory store seeded with the two demo parcels in Woldia.
func NewDemo() *Memory {
	return NewMemory(DemoRecords()...)
}

func DemoRecords() []Record {
	return []Record{
		{
			ID: 1,
			Attributes: Attributes{
				OwnerName: ptr("Demo Property 1"),
				LandUse:   ptr("Residential"),
				AreaTitle: ptr(500.5),
			},
			Geometry: square(39.605, 11.83, 0.001),
		},
		{
			ID: 2,
			Attributes: Attributes{
				OwnerName: ptr("Demo Property 2"),
				LandUse:   ptr("Commercial"),
				AreaTitle: ptr(750.2),
			},
			Geometry: square(39.607, 11.832, 0.001),
		},
	}
}

func square(lng, lat, size float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		lng, lat,
		lng + size, lat,
		lng + size, lat + size,
		lng, lat + size,
		lng, lat,
	}, []int{10})
}

func ptr[T any](v T) *T { return &v }
