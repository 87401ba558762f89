package rides

import (
	"fmt"
	"strings"

	"github.com/roach88/ridekey/internal/ir"
)

// Params is the validated body of a ride request.
type Params struct {
	OriginLat float64
	OriginLon float64
	TargetLat float64
	TargetLon float64
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ride request: %s must be numbers", strings.Join(e.Fields, ", "))
}

var paramFields = []string{"originLat", "originLon", "targetLat", "targetLon"}

// ParseParams validates a ride payload. All four coordinates are required
// and must be numbers; other fields are ignored.
func ParseParams(payload ir.IRObject) (Params, error) {
	var (
		values  [4]float64
		invalid []string
	)
	for i, field := range paramFields {
		n, ok := ir.Number(payload[field])
		if !ok {
			invalid = append(invalid, field)
			continue
		}
		values[i] = n
	}
	if len(invalid) > 0 {
		return Params{}, &ValidationError{Fields: invalid}
	}
	return Params{
		OriginLat: values[0],
		OriginLon: values[1],
		TargetLat: values[2],
		TargetLon: values[3],
	}, nil
}
