package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fitpipe/internal/domain/jsoncfg"
	"fitpipe/internal/infra"
	"fitpipe/internal/providers/gradio"
	"fitpipe/internal/storage"
)

// Options configures the adapter.
type Options struct {
	Spaces       Spaces
	MaxImageSide int
	TempStore    storage.TempStore
	Logger       *infra.Logger
	Metrics      *infra.Metrics
	// CleanupTimeout bounds the temporary object delete that runs after a call.
	CleanupTimeout time.Duration
}

// Adapter exposes one method per operation.
type Adapter struct {
	predictor      Predictor
	spaces         Spaces
	maxImageSide   int
	temp           storage.TempStore
	logger         *infra.Logger
	metrics        *infra.Metrics
	cleanupTimeout time.Duration
}

func NewAdapter(predictor Predictor, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	cleanup := opts.CleanupTimeout
	if cleanup <= 0 {
		cleanup = 30 * time.Second
	}
	return &Adapter{
		predictor:      predictor,
		spaces:         opts.Spaces,
		maxImageSide:   opts.MaxImageSide,
		temp:           opts.TempStore,
		logger:         logger,
		metrics:        opts.Metrics,
		cleanupTimeout: cleanup,
	}
}

// Measure runs body measurement prediction from one or two photos.
func (a *Adapter) Measure(ctx context.Context, p *jsoncfg.PredictionPayload) (Output, error) {
	inputs, err := a.predictionInputs(p)
	if err != nil {
		return Output{}, err
	}
	return a.call(ctx, a.spaces.Measurement, EndpointMeasure, inputs, p.Unit)
}

// AutoMask predicts measurements and returns the segmentation mask used.
func (a *Adapter) AutoMask(ctx context.Context, p *jsoncfg.PredictionPayload) (Output, error) {
	inputs, err := a.predictionInputs(p)
	if err != nil {
		return Output{}, err
	}
	return a.call(ctx, a.spaces.Measurement, EndpointAutoMask, inputs, p.Unit)
}

// VideoPipeline stages the video in the temporary store, passes it to the
// backend by URL and deletes the staged object afterwards.
func (a *Adapter) VideoPipeline(ctx context.Context, p *jsoncfg.VideoPayload) (Output, error) {
	video, cleanup, err := a.stageVideo(ctx, p.Video)
	if err != nil {
		return Output{}, err
	}
	defer cleanup()
	inputs := []any{video, p.HeightCM, p.WeightKG, p.Gender, p.Unit}
	return a.call(ctx, a.spaces.Measurement, EndpointVideo, inputs, p.Unit)
}

// Avatar renders a body avatar from a front photo and optional measurements.
func (a *Adapter) Avatar(ctx context.Context, p *jsoncfg.AvatarPayload) (Output, error) {
	front, err := a.imageInput(p.FrontImage, "front")
	if err != nil {
		return Output{}, err
	}
	measurements := "{}"
	if len(p.Measurements) > 0 {
		measurements = string(jsoncfg.MustMarshal(p.Measurements))
	}
	inputs := []any{front, measurements, p.Gender, p.HeightCM, p.Style}
	return a.call(ctx, a.spaces.Avatar, EndpointAvatar, inputs, p.Unit)
}

// GenerateOutfit synthesizes a garment image, optionally dressed on an avatar.
func (a *Adapter) GenerateOutfit(ctx context.Context, p *jsoncfg.OutfitPayload) (Output, error) {
	var avatar any
	if !p.Avatar.Empty() {
		in, err := a.imageInput(p.Avatar, "avatar")
		if err != nil {
			return Output{}, err
		}
		avatar = in
	}
	inputs := []any{string(jsoncfg.MustMarshal(p.Garment)), avatar, p.Prompt}
	return a.call(ctx, a.spaces.Garment, EndpointOutfit, inputs, "")
}

// EditGarment applies free-form instructions to an existing garment image.
func (a *Adapter) EditGarment(ctx context.Context, p *jsoncfg.EditGarmentPayload) (Output, error) {
	img, err := a.imageInput(p.Image, "garment")
	if err != nil {
		return Output{}, err
	}
	garment := ""
	if p.Garment != nil {
		garment = string(jsoncfg.MustMarshal(p.Garment))
	}
	inputs := []any{img, p.Instructions, garment}
	return a.call(ctx, a.spaces.Garment, EndpointEditGarment, inputs, "")
}

func (a *Adapter) predictionInputs(p *jsoncfg.PredictionPayload) ([]any, error) {
	front, err := a.imageInput(p.FrontImage, "front")
	if err != nil {
		return nil, err
	}
	var side any
	if !p.SideImage.Empty() {
		in, err := a.imageInput(p.SideImage, "side")
		if err != nil {
			return nil, err
		}
		side = in
	}
	return []any{front, side, p.HeightCM, p.WeightKG, p.Gender, p.Unit}, nil
}

// imageInput converts a media reference into a call input: remote images are
// passed by URL, inline bytes are normalized and uploaded as a blob.
func (a *Adapter) imageInput(ref *jsoncfg.MediaRef, name string) (any, error) {
	if ref.Empty() {
		return nil, fmt.Errorf("%s image is missing", name)
	}
	if len(ref.Data) == 0 {
		return gradio.FileFromURL(strings.TrimSpace(ref.URL)), nil
	}
	data, err := normalizeImage(ref.Data, a.maxImageSide)
	if err != nil {
		return nil, err
	}
	return gradio.Blob{Data: data, Filename: jpegName(ref.Filename, name), MIME: "image/jpeg"}, nil
}

func (a *Adapter) stageVideo(ctx context.Context, ref *jsoncfg.MediaRef) (gradio.FileData, func(), error) {
	noop := func() {}
	if ref.Empty() {
		return gradio.FileData{}, noop, errors.New("video is missing")
	}
	if len(ref.Data) == 0 {
		return gradio.FileFromURL(strings.TrimSpace(ref.URL)), noop, nil
	}
	if a.temp == nil {
		return gradio.FileData{}, noop, errors.New("inference: temporary store is not configured")
	}
	key := storage.TempKey("videos", ref.Filename, ref.MIME)
	obj, err := a.temp.Put(ctx, key, ref.Data, ref.MIME)
	if err != nil {
		return gradio.FileData{}, noop, fmt.Errorf("stage video: %w", err)
	}
	cleanup := func() {
		// The delete runs even when ctx was cancelled by a timeout.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cleanupTimeout)
		defer cancel()
		if err := a.temp.Delete(dctx, obj.FilePublicID); err != nil {
			a.logger.Warn().Err(err).Str("file_public_id", obj.FilePublicID).Msg("inference: temporary object cleanup failed")
		}
	}
	fd := gradio.FileFromURL(obj.FileURL)
	fd.OrigName = ref.Filename
	fd.MimeType = ref.MIME
	return fd, cleanup, nil
}

func (a *Adapter) call(ctx context.Context, space, endpoint string, inputs []any, unit string) (Output, error) {
	if strings.TrimSpace(space) == "" {
		return Output{}, fmt.Errorf("%w for %s", gradio.ErrMissingSpace, endpoint)
	}
	started := time.Now()
	values, err := a.predictor.Predict(ctx, space, endpoint, inputs)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if a.metrics != nil {
		a.metrics.InferenceDuration.WithLabelValues(endpoint, outcome).Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return Output{}, err
	}
	return Output{Endpoint: endpoint, Values: values, Unit: unit}, nil
}

// decodeMaybeJSON unwraps values that the backend returned as JSON text.
func decodeMaybeJSON(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return v
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return v
	}
	return decoded
}
