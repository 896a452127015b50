package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nikhilbhutani/promptplane/internal/models"
)

// encoding/json emits struct fields in declaration order and map keys sorted,
// which makes these encodings canonical.

type requestIdentity struct {
	Model    string                   `json:"model"`
	Rendered models.RenderedTemplates `json:"rendered"`
	Params   models.Params            `json:"params"`
}

type imageIdentity struct {
	Position    int    `json:"position"`
	Role        string `json:"role"`
	Reference   string `json:"reference"`
	ContentHash string `json:"content_hash"`
	MimeType    string `json:"mime_type"`
	Index       int    `json:"index"`
}

type dedupeIdentity struct {
	Identity string          `json:"identity"`
	Images   []imageIdentity `json:"images"`
}

// ComputeRequestHash identifies what was asked of the model.
func ComputeRequestHash(model string, rendered models.RenderedTemplates, params models.Params) string {
	return digest(requestIdentity{Model: model, Rendered: rendered, Params: params})
}

// ComputeDedupeHash extends the identity hash with the ordered image inputs.
// Reordering the list or changing any descriptor field changes the result.
func ComputeDedupeHash(identityHash string, images []models.ImageDescriptor) string {
	ids := make([]imageIdentity, len(images))
	for i, img := range images {
		ids[i] = imageIdentity{
			Position:    i,
			Role:        img.Role,
			Reference:   img.Reference,
			ContentHash: img.ContentHash,
			MimeType:    img.MimeType,
			Index:       img.Index,
		}
	}
	return digest(dedupeIdentity{Identity: identityHash, Images: ids})
}

// TemplateHash is the content hash stored on a version.
func TemplateHash(t models.Templates) string {
	return digest(t)
}

func digest(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// fmt prints map keys sorted, so this stays deterministic.
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
