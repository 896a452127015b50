package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nikhilbhutani/promptplane/internal/models"
)

func ptr[T any](v T) *T { return &v }

func TestComputeRequestHash_Deterministic(t *testing.T) {
	rendered := models.RenderedTemplates{System: "sys", User: "hi"}
	params := models.Params{Temperature: ptr(0.2), Extra: map[string]any{"b": 1, "a": 2}}

	h1 := ComputeRequestHash("gpt-4o", rendered, params)
	h2 := ComputeRequestHash("gpt-4o", rendered, models.Params{Temperature: ptr(0.2), Extra: map[string]any{"a": 2, "b": 1}})

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeRequestHash_SensitiveToInputs(t *testing.T) {
	rendered := models.RenderedTemplates{User: "hi"}
	base := ComputeRequestHash("gpt-4o", rendered, models.Params{})

	assert.NotEqual(t, base, ComputeRequestHash("gpt-4o-mini", rendered, models.Params{}))
	assert.NotEqual(t, base, ComputeRequestHash("gpt-4o", models.RenderedTemplates{User: "hi!"}, models.Params{}))
	assert.NotEqual(t, base, ComputeRequestHash("gpt-4o", rendered, models.Params{MaxOutputTokens: ptr(10)}))
}

func TestComputeDedupeHash_OrderAndFields(t *testing.T) {
	a := models.ImageDescriptor{Role: "reference", Reference: "s3://a", ContentHash: "ha", MimeType: "image/png", Index: 0}
	b := models.ImageDescriptor{Role: "reference", Reference: "s3://b", ContentHash: "hb", MimeType: "image/png", Index: 1}

	base := ComputeDedupeHash("identity", []models.ImageDescriptor{a, b})

	assert.Equal(t, base, ComputeDedupeHash("identity", []models.ImageDescriptor{a, b}))
	assert.NotEqual(t, base, ComputeDedupeHash("identity", []models.ImageDescriptor{b, a}))
	assert.NotEqual(t, base, ComputeDedupeHash("other", []models.ImageDescriptor{a, b}))

	changed := b
	changed.ContentHash = "hb2"
	assert.NotEqual(t, base, ComputeDedupeHash("identity", []models.ImageDescriptor{a, changed}))

	changed = b
	changed.MimeType = "image/jpeg"
	assert.NotEqual(t, base, ComputeDedupeHash("identity", []models.ImageDescriptor{a, changed}))
}

func TestComputeDedupeHash_IgnoresDeclaredSize(t *testing.T) {
	img := models.ImageDescriptor{Role: "input", Reference: "r", ContentHash: "h", MimeType: "image/png"}
	sized := img
	sized.SizeBytes = 1024

	assert.Equal(t,
		ComputeDedupeHash("id", []models.ImageDescriptor{img}),
		ComputeDedupeHash("id", []models.ImageDescriptor{sized}))
}
