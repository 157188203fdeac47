package board

// Default marker ids reported for the two rigid bodies.
const (
	ProbeMarkerID      = 7
	InstrumentMarkerID = 2
)

// crossCorners is the shared geometry of both boards: five 2 cm squares in
// a plus shape, centre first, then left, right, top, bottom.
var crossCorners = [][3]float64{
	{-0.01, 0.01, 0}, {0.01, 0.01, 0}, {0.01, -0.01, 0}, {-0.01, -0.01, 0},
	{-0.04, 0.01, 0}, {-0.02, 0.01, 0}, {-0.02, -0.01, 0}, {-0.04, -0.01, 0},
	{0.02, 0.01, 0}, {0.04, 0.01, 0}, {0.04, -0.01, 0}, {0.02, -0.01, 0},
	{-0.01, 0.04, 0}, {0.01, 0.04, 0}, {0.01, 0.02, 0}, {-0.01, 0.02, 0},
	{-0.01, -0.02, 0}, {0.01, -0.02, 0}, {0.01, -0.04, 0}, {-0.01, -0.04, 0},
}

// DefaultProbe is the ultrasound probe board.
func DefaultProbe() Spec {
	return Spec{
		Name:     "probe",
		MarkerID: ProbeMarkerID,
		IDs:      []int{0, 4, 47, 14, 20},
		Corners:  append([][3]float64(nil), crossCorners...),
	}
}

// DefaultInstrument is the needle instrument board.
func DefaultInstrument() Spec {
	return Spec{
		Name:     "instrument",
		MarkerID: InstrumentMarkerID,
		IDs:      []int{7, 6, 8, 9, 10},
		Corners:  append([][3]float64(nil), crossCorners...),
	}
}
