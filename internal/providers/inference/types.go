// Package inference maps each job operation onto a call against the remote
// inference spaces and unpacks the positional outputs into result documents.
package inference

import (
	"context"
)

const (
	EndpointMeasure     = "/predict"
	EndpointAutoMask    = "/auto_mask_predict"
	EndpointVideo       = "/video_pipeline"
	EndpointAvatar      = "/generate_avatar"
	EndpointOutfit      = "/generate_outfit"
	EndpointEditGarment = "/edit_garment"
)

// MeasurementNames labels the positional measurement vector returned by the
// measurement space, in order.
var MeasurementNames = []string{
	"chest",
	"waist",
	"hip",
	"shoulder_width",
	"neck",
	"sleeve_length",
	"arm_length",
	"bicep",
	"wrist",
	"inseam",
	"outseam",
	"thigh",
	"calf",
	"torso_length",
	"back_length",
}

// Predictor is the remote procedure the adapter calls.
type Predictor interface {
	Predict(ctx context.Context, space, endpoint string, inputs []any) ([]any, error)
}

// Spaces names the backend space serving each family of operations.
type Spaces struct {
	Measurement string
	Avatar      string
	Garment     string
}

// Output is the raw positional response of one call.
type Output struct {
	Endpoint string
	Values   []any
	// Unit echoes the measurement unit requested by the caller.
	Unit string
}
