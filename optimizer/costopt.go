package optimizer

import (
	"github.com/fablecast/fablecast"
)

// tuneParams applies service-specific parameter tuning that reduces unit
// cost without overriding anything the caller set explicitly. Returns a
// copy; the caller's map is never mutated.
func tuneParams(serviceType fablecast.ServiceType, method string, params map[string]any) map[string]any {
	tuned := make(map[string]any, len(params))
	for key, value := range params {
		tuned[key] = value
	}

	switch serviceType {
	case fablecast.ServiceTTS:
		tuneTTS(tuned)
	case fablecast.ServiceTextAnalysis:
		tuneTextAnalysis(tuned)
	case fablecast.ServiceImageGeneration:
		tuneImageGeneration(tuned)
	}
	return tuned
}

// Short snippets sound the same on the standard tier, so paying for
// premium synthesis there is wasted spend.
func tuneTTS(params map[string]any) {
	if _, set := params["quality"]; set {
		return
	}
	text, _ := params["text"].(string)
	if len(text) > 0 && len(text) < 200 {
		params["quality"] = "standard"
	}
}

func tuneTextAnalysis(params map[string]any) {
	if _, set := params["profile"]; set {
		return
	}
	text, _ := params["text"].(string)
	if len(text) > 0 && len(text) < 500 {
		params["profile"] = "fast"
	}
}

func tuneImageGeneration(params map[string]any) {
	if _, set := params["quality"]; !set {
		params["quality"] = "standard"
	}
}
