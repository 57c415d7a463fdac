package jsoncfg

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"fitpipe/internal/domain"
)

const (
	// DefaultUnit is applied when the request omits the measurement unit.
	DefaultUnit = "cm"
	// MinHeightCM and MaxHeightCM bound the accepted body height.
	MinHeightCM = 50
	MaxHeightCM = 272
	// MaxInstructionsLength caps free-form garment edit instructions.
	MaxInstructionsLength = 500
)

var allowedGenders = map[string]struct{}{
	"female": {},
	"male":   {},
}

var allowedUnits = map[string]struct{}{
	"cm": {},
	"in": {},
}

// MediaRef references an input file either inline (base64 in JSON) or by URL.
type MediaRef struct {
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Empty reports whether the reference carries neither bytes nor a URL.
func (m *MediaRef) Empty() bool {
	return m == nil || (len(m.Data) == 0 && strings.TrimSpace(m.URL) == "")
}

func (m *MediaRef) validate(field string) error {
	if m.Empty() {
		return fmt.Errorf("%s is required", field)
	}
	if len(m.Data) == 0 {
		u, err := url.Parse(strings.TrimSpace(m.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s.url must be an absolute http(s) url", field)
		}
	}
	return nil
}

// Payload is implemented by every job-type specific payload.
type Payload interface {
	Normalize()
	Validate() error
}

// BodyInput carries the body parameters shared by measurement style jobs.
type BodyInput struct {
	Gender   string  `json:"gender"`
	HeightCM float64 `json:"height_cm"`
	WeightKG float64 `json:"weight_kg,omitempty"`
	Unit     string  `json:"unit,omitempty"`
}

func (b *BodyInput) normalize() {
	b.Gender = strings.ToLower(strings.TrimSpace(b.Gender))
	b.Unit = strings.ToLower(strings.TrimSpace(b.Unit))
	if b.Unit == "" {
		b.Unit = DefaultUnit
	}
}

func (b BodyInput) validate() error {
	if _, ok := allowedGenders[b.Gender]; !ok {
		return fmt.Errorf("gender must be one of female, male")
	}
	if b.HeightCM < MinHeightCM || b.HeightCM > MaxHeightCM {
		return fmt.Errorf("height_cm must be between %d and %d", MinHeightCM, MaxHeightCM)
	}
	if b.WeightKG < 0 {
		return fmt.Errorf("weight_kg must not be negative")
	}
	if _, ok := allowedUnits[b.Unit]; !ok {
		return fmt.Errorf("unit must be one of cm, in")
	}
	return nil
}

// PredictionPayload drives RunPrediction and AutoMaskPredict.
type PredictionPayload struct {
	BodyInput
	FrontImage *MediaRef `json:"front_image"`
	SideImage  *MediaRef `json:"side_image,omitempty"`
}

func (p *PredictionPayload) Normalize() { p.BodyInput.normalize() }

func (p *PredictionPayload) Validate() error {
	if err := p.FrontImage.validate("front_image"); err != nil {
		return err
	}
	if !p.SideImage.Empty() {
		if err := p.SideImage.validate("side_image"); err != nil {
			return err
		}
	}
	return p.BodyInput.validate()
}

// VideoPayload drives VideoPipeline.
type VideoPayload struct {
	BodyInput
	Video *MediaRef `json:"video"`
}

func (p *VideoPayload) Normalize() { p.BodyInput.normalize() }

func (p *VideoPayload) Validate() error {
	if err := p.Video.validate("video"); err != nil {
		return err
	}
	return p.BodyInput.validate()
}

// AvatarPayload drives Avatar.
type AvatarPayload struct {
	BodyInput
	FrontImage   *MediaRef          `json:"front_image"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Style        string             `json:"style,omitempty"`
}

func (p *AvatarPayload) Normalize() {
	p.BodyInput.normalize()
	p.Style = strings.TrimSpace(p.Style)
}

func (p *AvatarPayload) Validate() error {
	if err := p.FrontImage.validate("front_image"); err != nil {
		return err
	}
	return p.BodyInput.validate()
}

// GarmentConfig describes a garment to synthesize or edit.
type GarmentConfig struct {
	Category string         `json:"category"`
	Color    string         `json:"color,omitempty"`
	Fabric   string         `json:"fabric,omitempty"`
	Fit      string         `json:"fit,omitempty"`
	Pattern  string         `json:"pattern,omitempty"`
	Notes    string         `json:"notes,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func (g *GarmentConfig) normalize() {
	g.Category = strings.ToLower(strings.TrimSpace(g.Category))
	g.Color = strings.TrimSpace(g.Color)
	g.Fabric = strings.TrimSpace(g.Fabric)
	g.Fit = strings.TrimSpace(g.Fit)
	g.Pattern = strings.TrimSpace(g.Pattern)
	g.Notes = strings.TrimSpace(g.Notes)
}

// OutfitPayload drives GenerateOutfit.
type OutfitPayload struct {
	Garment *GarmentConfig `json:"garment"`
	Avatar  *MediaRef      `json:"avatar,omitempty"`
	Prompt  string         `json:"prompt,omitempty"`
}

func (p *OutfitPayload) Normalize() {
	if p.Garment != nil {
		p.Garment.normalize()
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
}

func (p *OutfitPayload) Validate() error {
	if p.Garment == nil || p.Garment.Category == "" {
		return fmt.Errorf("garment.category is required")
	}
	if !p.Avatar.Empty() {
		return p.Avatar.validate("avatar")
	}
	return nil
}

// EditGarmentPayload drives EditGarment.
type EditGarmentPayload struct {
	Image        *MediaRef      `json:"image"`
	Instructions string         `json:"instructions"`
	Garment      *GarmentConfig `json:"garment,omitempty"`
}

func (p *EditGarmentPayload) Normalize() {
	p.Instructions = strings.TrimSpace(p.Instructions)
	if p.Garment != nil {
		p.Garment.normalize()
	}
}

func (p *EditGarmentPayload) Validate() error {
	if err := p.Image.validate("image"); err != nil {
		return err
	}
	if p.Instructions == "" {
		return fmt.Errorf("instructions is required")
	}
	if len(p.Instructions) > MaxInstructionsLength {
		return fmt.Errorf("instructions must be at most %d characters", MaxInstructionsLength)
	}
	return nil
}

// NewPayload returns an empty payload value for t.
func NewPayload(t domain.JobType) (Payload, error) {
	switch t {
	case domain.JobTypeRunPrediction, domain.JobTypeAutoMaskPredict:
		return &PredictionPayload{}, nil
	case domain.JobTypeVideoPipeline:
		return &VideoPayload{}, nil
	case domain.JobTypeAvatar:
		return &AvatarPayload{}, nil
	case domain.JobTypeGenerateOutfit:
		return &OutfitPayload{}, nil
	case domain.JobTypeEditGarment:
		return &EditGarmentPayload{}, nil
	default:
		return nil, fmt.Errorf("%w %q", domain.ErrUnsupportedJobType, t)
	}
}

// Decode parses, normalizes and validates raw as the payload of t. Validation
// failures wrap domain.ErrValidation.
func Decode(t domain.JobType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", domain.ErrValidation, err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return p, nil
}

func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("json marshal: %w", err))
	}
	return b
}
