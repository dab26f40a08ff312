package rides

import (
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

// AllowedTransitions lists the forward moves a driver may make on a trip.
// Cancellation is not listed; it goes through Service.Cancel.
var AllowedTransitions = map[models.TripStatus][]models.TripStatus{
	models.TripAccepted: {models.TripPickup},
	models.TripPickup:   {models.TripEnroute},
	models.TripEnroute:  {models.TripCompleted},
}

func CanTransition(from, to models.TripStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the trip can still be cancelled.
func Live(s models.TripStatus) bool {
	return s == models.TripAccepted || s == models.TripPickup || s == models.TripEnroute
}

func stamp(t *models.Trip, to models.TripStatus, at time.Time) {
	t.Status = to
	switch to {
	case models.TripPickup:
		t.PickupAt = &at
	case models.TripEnroute:
		t.EnrouteAt = &at
	case models.TripCompleted:
		t.CompletedAt = &at
	case models.TripCancelled:
		t.CancelledAt = &at
	}
}
