package models

import "errors"

// Error kinds shared by the segmentation packages. Callers match them with errors.Is.
var (
	// ErrInvalidConfiguration reports an unsupported connectivity shape or size,
	// an unknown transform name, or an out-of-range parameter.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidGraph reports non-square, out-of-range or asymmetric weight data.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrNumericalFailure reports an eigen solve that did not converge or could not
	// produce the requested pairs. The partitioners absorb it per subgraph.
	ErrNumericalFailure = errors.New("numerical failure")
)
