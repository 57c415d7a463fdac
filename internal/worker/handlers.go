package worker

import (
	"context"
	"fmt"

	"fitpipe/internal/domain"
	"fitpipe/internal/domain/jsoncfg"
	"fitpipe/internal/providers/inference"
)

// Operations is the inference surface the handlers call into.
type Operations interface {
	Measure(ctx context.Context, p *jsoncfg.PredictionPayload) (inference.Output, error)
	AutoMask(ctx context.Context, p *jsoncfg.PredictionPayload) (inference.Output, error)
	VideoPipeline(ctx context.Context, p *jsoncfg.VideoPayload) (inference.Output, error)
	Avatar(ctx context.Context, p *jsoncfg.AvatarPayload) (inference.Output, error)
	GenerateOutfit(ctx context.Context, p *jsoncfg.OutfitPayload) (inference.Output, error)
	EditGarment(ctx context.Context, p *jsoncfg.EditGarmentPayload) (inference.Output, error)
}

// Handler executes one job type: Run performs the remote call and Normalize
// shapes its positional output into the result document.
type Handler struct {
	Run       func(ctx context.Context, payload jsoncfg.Payload) (inference.Output, error)
	Normalize func(out inference.Output) (any, error)
}

// Handlers builds the dispatch table covering every job type.
func Handlers(ops Operations) map[domain.JobType]Handler {
	return map[domain.JobType]Handler{
		domain.JobTypeRunPrediction: {
			Run:       typed(ops.Measure),
			Normalize: inference.NormalizeMeasurement,
		},
		domain.JobTypeAutoMaskPredict: {
			Run:       typed(ops.AutoMask),
			Normalize: inference.NormalizeAutoMask,
		},
		domain.JobTypeVideoPipeline: {
			Run:       typed(ops.VideoPipeline),
			Normalize: inference.NormalizeVideo,
		},
		domain.JobTypeAvatar: {
			Run:       typed(ops.Avatar),
			Normalize: inference.NormalizeAvatar,
		},
		domain.JobTypeGenerateOutfit: {
			Run:       typed(ops.GenerateOutfit),
			Normalize: inference.NormalizeImage,
		},
		domain.JobTypeEditGarment: {
			Run:       typed(ops.EditGarment),
			Normalize: inference.NormalizeImage,
		},
	}
}

// typed adapts an operation taking a concrete payload type to the handler
// signature.
func typed[P jsoncfg.Payload](fn func(context.Context, P) (inference.Output, error)) func(context.Context, jsoncfg.Payload) (inference.Output, error) {
	return func(ctx context.Context, payload jsoncfg.Payload) (inference.Output, error) {
		p, ok := payload.(P)
		if !ok {
			return inference.Output{}, fmt.Errorf("%w: unexpected payload %T", domain.ErrValidation, payload)
		}
		return fn(ctx, p)
	}
}
