package webhook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/credits/webhook"
)

func TestHashPayload(t *testing.T) {
	// sha256("") is a well-known constant.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", webhook.HashPayload(nil))

	a := webhook.HashPayload([]byte(`{"id":"evt_1"}`))
	b := webhook.HashPayload([]byte(`{"id":"evt_1"}`))
	c := webhook.HashPayload([]byte(`{"id":"evt_2"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
