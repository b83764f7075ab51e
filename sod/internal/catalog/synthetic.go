package catalog

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/seis-sod/sod-stack/common/models"
)

// Synthetic generates n plausible events with origins spread over window,
// for exercising a deployment without a live event service.
func Synthetic(faker *gofakeit.Faker, n int, window models.TimeWindow) []models.Event {
	events := make([]models.Event, 0, n)
	span := window.Duration()
	for i := 0; i < n; i++ {
		var offset time.Duration
		if span > 0 {
			offset = time.Duration(faker.Int64()) % span
			if offset < 0 {
				offset = -offset
			}
		}
		mag := faker.Float64Range(4.0, 8.5)
		events = append(events, models.Event{
			ID:            "synthetic-" + faker.UUID()[:8],
			OriginTime:    window.Start.Add(offset).Truncate(time.Millisecond).UTC(),
			Latitude:      faker.Latitude(),
			Longitude:     faker.Longitude(),
			DepthKm:       faker.Float64Range(0, 700),
			Magnitude:     float64(int(mag*10)) / 10,
			MagnitudeType: faker.RandomString([]string{"Mw", "mb", "Ms", "ML"}),
			Description:   fmt.Sprintf("near %s, %s", faker.City(), faker.Country()),
		})
	}
	return events
}
