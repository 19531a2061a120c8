package engine

import "github.com/rs/zerolog"

// Placement is where the batch tensors must go before generation.
type Placement struct {
	VisionDType    DType  `json:"visionDType"`
	VisionDevice   Device `json:"visionDevice"`
	LanguageDevice Device `json:"languageDevice"`
}

// DefaultPlacement is used when a model does not expose its layout.
var DefaultPlacement = Placement{
	VisionDType:    BFloat16,
	VisionDevice:   DeviceCUDA0,
	LanguageDevice: DeviceCUDA0,
}

var visionPaths = []string{
	"vision_tower.vision_model.embeddings.patch_embedding",
	"model.vision_tower.vision_model.embeddings.patch_embedding",
}

var languagePaths = []string{
	"language_model.embed_tokens",
	"model.language_model.embed_tokens",
}

// ResolvePlacement inspects a module tree for the vision patch embedding and
// the language input embeddings. It never fails: missing modules fall back to
// the first model parameter and then to DefaultPlacement, with a warning.
func ResolvePlacement(root *Module, log zerolog.Logger) Placement {
	placement := DefaultPlacement

	vision, ok := firstWeight(root, visionPaths)
	if ok {
		placement.VisionDType = vision.DType
		placement.VisionDevice = vision.Device
	} else {
		log.Warn().
			Str("dtype", string(placement.VisionDType)).
			Str("device", string(placement.VisionDevice)).
			Msg("Could not determine vision tower placement, using defaults")
	}

	if lang, ok := firstWeight(root, languagePaths); ok {
		placement.LanguageDevice = lang.Device
	} else if p, ok := root.FirstParameter(); ok {
		placement.LanguageDevice = p.Device
		log.Warn().
			Str("device", string(placement.LanguageDevice)).
			Msg("Could not detect language model structure, inferring device from model")
	} else {
		log.Warn().
			Str("device", string(placement.LanguageDevice)).
			Msg("Could not determine language model device, using default")
	}

	return placement
}

// firstWeight returns the weight of the first path that resolves.
func firstWeight(root *Module, paths []string) (Parameter, bool) {
	for _, path := range paths {
		if p, ok := root.Lookup(path).Weight(); ok {
			return p, true
		}
	}
	return Parameter{}, false
}
