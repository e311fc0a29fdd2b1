package quality

import (
	"maps"
	"slices"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/tjfontaine/genpipe/internal/core/domain"
)

// Remedy is one candidate configuration change for a symptom.
type Remedy struct {
	Class string
	Patch domain.Patch
	Note  string
}

// AnySymptom keys the fallback remedies of a step.
const AnySymptom = "*"

// RemedyTable maps parameters to remedy classes and (step, symptom) pairs
// to ordered remedies.
type RemedyTable struct {
	// Classes maps "category.key" to its remedy class.
	Classes map[string]string
	// Remedies maps step -> symptom -> ordered remedies.
	Remedies map[string]map[string][]Remedy
}

// ClassOf returns the remedy class of a parameter. Unlisted parameters are
// their own class.
func (t RemedyTable) ClassOf(key string) string {
	if c, ok := t.Classes[key]; ok {
		return c
	}
	return key
}

// ClassesOf returns the sorted distinct classes a patch touches.
func (t RemedyTable) ClassesOf(p domain.Patch) []string {
	set := make(map[string]struct{}, len(p))
	for k := range p {
		set[t.ClassOf(k)] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// TriedClasses is the union of classes over a patch history.
func (t RemedyTable) TriedClasses(history []domain.Patch) map[string]bool {
	tried := make(map[string]bool)
	for _, p := range history {
		for _, c := range t.ClassesOf(p) {
			tried[c] = true
		}
	}
	return tried
}

// Next returns the first remedy for (step, symptom), falling back to the
// step's AnySymptom list, whose class is untried, which is not already
// in history, and which would actually change current.
func (t RemedyTable) Next(step, symptom string, history []domain.Patch, current map[string]domain.Value) (Remedy, bool) {
	tried := t.TriedClasses(history)
	byStep := t.Remedies[step]

	var candidates []Remedy
	if symptom != "" && symptom != AnySymptom {
		candidates = append(candidates, byStep[symptom]...)
	}
	candidates = append(candidates, byStep[AnySymptom]...)

	for _, r := range candidates {
		if tried[r.Class] || seen(r.Patch, history) || noop(step, r.Patch, current) {
			continue
		}
		return r, true
	}
	return Remedy{}, false
}

// noop reports whether every entry of p already holds in current, which
// is keyed without the category prefix of step.
func noop(step string, p domain.Patch, current map[string]domain.Value) bool {
	if len(p) == 0 {
		return true
	}
	for k, v := range p {
		category, name, ok := domain.SplitKey(k)
		if !ok || category != step {
			return false
		}
		if cur, ok := current[name]; !ok || cur != v {
			return false
		}
	}
	return true
}

// Fingerprint hashes a patch structurally; map order does not matter.
func Fingerprint(p domain.Patch) uint64 {
	if p == nil {
		p = domain.Patch{}
	}
	h, err := hashstructure.Hash(p, hashstructure.FormatV2, nil)
	if err != nil {
		// Patch holds only scalars, so hashing cannot fail in practice.
		return 0
	}
	return h
}

func seen(p domain.Patch, history []domain.Patch) bool {
	fp := Fingerprint(p)
	for _, h := range history {
		if Fingerprint(h) == fp && p.Equal(h) {
			return true
		}
	}
	return false
}

func hasEmpty(history []domain.Patch) bool {
	for _, h := range history {
		if len(h) == 0 {
			return true
		}
	}
	return false
}

// DefaultRemedies covers the default step catalogue.
func DefaultRemedies() RemedyTable {
	return RemedyTable{
		Classes: map[string]string{
			"segmentation.resolution":              "resolution",
			"segmentation.prompt_mode":             "prompting",
			"segmentation.num_layers":              "decomposition",
			"video_generation.num_frames":          "duration",
			"video_generation.guidance_scale":      "guidance",
			"video_generation.num_inference_steps": "sampling",
			"postprocess.target_fps":               "interpolation",
			"postprocess.scale":                    "upscaling",
		},
		Remedies: map[string]map[string][]Remedy{
			domain.StepSegmentation: {
				"clipping": {
					{Class: "prompting", Patch: domain.Patch{"segmentation.prompt_mode": domain.StringValue("grid")}, Note: "sample the whole frame instead of the centre"},
					{Class: "decomposition", Patch: domain.Patch{"segmentation.num_layers": domain.IntValue(6)}, Note: "split into more layers"},
					{Class: "resolution", Patch: domain.Patch{"segmentation.resolution": domain.IntValue(1024)}, Note: "raise working resolution"},
				},
				"merged_layers": {
					{Class: "decomposition", Patch: domain.Patch{"segmentation.num_layers": domain.IntValue(6)}, Note: "split into more layers"},
					{Class: "prompting", Patch: domain.Patch{"segmentation.prompt_mode": domain.StringValue("grid")}, Note: "sample the whole frame"},
				},
				AnySymptom: {
					{Class: "resolution", Patch: domain.Patch{"segmentation.resolution": domain.IntValue(1024)}, Note: "raise working resolution"},
					{Class: "prompting", Patch: domain.Patch{"segmentation.prompt_mode": domain.StringValue("grid")}, Note: "sample the whole frame"},
					{Class: "decomposition", Patch: domain.Patch{"segmentation.num_layers": domain.IntValue(6)}, Note: "split into more layers"},
				},
			},
			domain.StepVideoGeneration: {
				"flicker": {
					{Class: "sampling", Patch: domain.Patch{"video_generation.num_inference_steps": domain.IntValue(40)}, Note: "more denoising steps"},
					{Class: "guidance", Patch: domain.Patch{"video_generation.guidance_scale": domain.FloatValue(6)}, Note: "loosen guidance"},
				},
				AnySymptom: {
					{Class: "guidance", Patch: domain.Patch{"video_generation.guidance_scale": domain.FloatValue(9)}, Note: "follow the prompt more closely"},
					{Class: "sampling", Patch: domain.Patch{"video_generation.num_inference_steps": domain.IntValue(40)}, Note: "more denoising steps"},
					{Class: "duration", Patch: domain.Patch{"video_generation.num_frames": domain.IntValue(64)}, Note: "shorter clip"},
				},
			},
			domain.StepPostprocess: {
				AnySymptom: {
					{Class: "interpolation", Patch: domain.Patch{"postprocess.target_fps": domain.IntValue(24)}, Note: "interpolate less aggressively"},
					{Class: "upscaling", Patch: domain.Patch{"postprocess.scale": domain.IntValue(3)}, Note: "change upscale factor"},
				},
			},
		},
	}
}
