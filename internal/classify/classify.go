// Package classify maps model filenames to destination subdirectories.
package classify

import "strings"

// DefaultCategory is used when no rule matches.
const DefaultCategory = "diffusion_models"

// rule maps a set of filename patterns to a category. A pattern starting
// with "." matches as a filename suffix, anything else as a substring.
type rule struct {
	category string
	patterns []string
}

// rules is ordered from most specific to most general. Order is load-bearing:
// the first match wins and reordering changes classifications.
var rules = []rule{
	{"unet", []string{"flux", "sd3", "auraflow", "hunyuan", "kolors", "lumina"}},
	{"vae", []string{"vae", "kl-f8-anime"}},
	{"clip_vision", []string{"clip_vision", "image_encoder"}},
	{"clip", []string{"clip", "open_clip"}},
	{"t5", []string{"t5", "umt5"}},
	{"controlnet", []string{"controlnet", "control_", "canny", "depth", "openpose", "scribble"}},
	{"loras", []string{"lora", ".lora"}},
	{"upscale_models", []string{"esrgan", "realesrgan", "swinir", "4x", "2x", "upscale"}},
	{"animatediff_models", []string{"animatediff", "mm_", "motion"}},
	{"ipadapter", []string{"ip-adapter", "ip_adapter"}},
	{"text_encoders", []string{"text_encoder", "encoder"}},
	{"checkpoints", []string{".ckpt", ".safetensors"}},
}

// Categories returns every category a classification can produce, in rule
// order with the fallback last. The pipeline pre-creates one directory per
// category plus the extras ComfyUI expects.
func Categories() []string {
	out := make([]string, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.category)
	}
	return append(out, DefaultCategory)
}

// Classify returns the destination subdirectory for a model file. Matching
// is case-insensitive on the filename only; the URL path has already been
// reduced to its last segment by the manifest loader.
func Classify(fileName string) string {
	name := strings.ToLower(fileName)
	for _, r := range rules {
		for _, p := range r.patterns {
			if strings.HasPrefix(p, ".") {
				if strings.HasSuffix(name, p) {
					return r.category
				}
			} else if strings.Contains(name, p) {
				return r.category
			}
		}
	}
	return DefaultCategory
}
