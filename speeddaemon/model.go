package speeddaemon

import "math"

// A Camera represents a speed camera.
//
// Each camera is on a specific road, at a specific location, and has a specific speed limit.
// Each camera provides this information when it connects to the server.
// Cameras report each number plate that they observe, along with the timestamp that they observed it.
// Timestamps are exactly the same as [Unix timestamps] (counting seconds since 1st of January 1970), except that they are unsigned.
//
// [Unix timestamps]: https://en.wikipedia.org/wiki/Unix_time
type Camera struct {
	Road  uint16
	Mile  uint16
	Limit uint16
}

// Observe records that the camera saw a car at timestamp.
func (c Camera) Observe(timestamp uint32) Observation {
	return Observation{Road: c.Road, Mile: c.Mile, Limit: c.Limit, Timestamp: timestamp}
}

// An Observation is a single sighting of a plate by a camera.
type Observation struct {
	Road      uint16
	Mile      uint16
	Limit     uint16
	Timestamp uint32
}

// A Car has a specific number plate represented as an uppercase alphanumeric string.
type Car string

const secondsPerDay = 86400

// Day returns the number of whole days since the epoch, i.e. the UTC calendar date of timestamp.
func Day(timestamp uint32) uint32 {
	return timestamp / secondsPerDay
}

// A dateKey limits a car to one ticket per day.
type dateKey struct {
	Car Car
	Day uint32
}

type Ticket struct {
	TicketMessage
}

// newTicket returns a ticket for the journey between a and b if the average speed exceeds the limit.
//
// The observation with the smaller timestamp becomes the first leg. Observations with equal timestamps never produce
// a ticket.
func newTicket(car Car, a, b Observation) (Ticket, bool) {
	if a.Timestamp == b.Timestamp {
		return Ticket{}, false
	}
	if b.Timestamp < a.Timestamp {
		a, b = b, a
	}

	distance := math.Abs(float64(b.Mile) - float64(a.Mile))
	elapsed := float64(b.Timestamp - a.Timestamp)
	speed := math.Round(distance / elapsed * 3600 * 100)
	if speed <= float64(a.Limit)*100 {
		return Ticket{}, false
	}

	return Ticket{TicketMessage{
		Plate:      string(car),
		Road:       a.Road,
		Mile1:      a.Mile,
		Timestamp1: a.Timestamp,
		Mile2:      b.Mile,
		Timestamp2: b.Timestamp,
		Speed:      uint16(min(speed, math.MaxUint16)),
	}}, true
}

// dateKeys returns the days covered by the ticket. Both keys are equal when the journey starts and ends on the same day.
func (t Ticket) dateKeys() [2]dateKey {
	return [2]dateKey{
		{Car: Car(t.Plate), Day: Day(t.Timestamp1)},
		{Car: Car(t.Plate), Day: Day(t.Timestamp2)},
	}
}
