package models

import (
	"fmt"
	"regexp"
	"strings"
)

var imageSizePattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// Params are the model parameters attached to definitions, versions and
// overrides. Unset fields inherit from the layer below.
type Params struct {
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
	ImageSize       string         `json:"image_size,omitempty"`
	ImageCount      *int           `json:"image_count,omitempty"`
	Seed            *int64         `json:"seed,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

func (p Params) Validate() error {
	var problems []string
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		problems = append(problems, "temperature must be within [0, 2]")
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		problems = append(problems, "top_p must be within (0, 1]")
	}
	if p.MaxOutputTokens != nil && *p.MaxOutputTokens < 1 {
		problems = append(problems, "max_output_tokens must be at least 1")
	}
	if p.ImageSize != "" && !imageSizePattern.MatchString(p.ImageSize) {
		problems = append(problems, fmt.Sprintf("image_size %q must look like 1024x1024", p.ImageSize))
	}
	if p.ImageCount != nil && (*p.ImageCount < 1 || *p.ImageCount > 10) {
		problems = append(problems, "image_count must be within [1, 10]")
	}
	for k := range p.Extra {
		if strings.TrimSpace(k) == "" {
			problems = append(problems, "extra keys must not be blank")
			break
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid params: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Merge returns p with every field set in over taking precedence.
func (p Params) Merge(over Params) Params {
	out := p
	if over.Temperature != nil {
		out.Temperature = over.Temperature
	}
	if over.TopP != nil {
		out.TopP = over.TopP
	}
	if over.MaxOutputTokens != nil {
		out.MaxOutputTokens = over.MaxOutputTokens
	}
	if over.ImageSize != "" {
		out.ImageSize = over.ImageSize
	}
	if over.ImageCount != nil {
		out.ImageCount = over.ImageCount
	}
	if over.Seed != nil {
		out.Seed = over.Seed
	}
	if len(over.Extra) > 0 {
		extra := make(map[string]any, len(p.Extra)+len(over.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
		for k, v := range over.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}
