package model

// Pipe connects two nodes. It references them by ID and does not own them.
// Direction is used for bookkeeping; this model never reverses flow.
type Pipe struct {
	ID       string
	FromNode string
	ToNode   string

	// Static geometry, metres.
	Length    float64
	Diameter  float64
	Roughness float64

	// CurrentFlow is derived by physics each step.
	CurrentFlow float64
}
