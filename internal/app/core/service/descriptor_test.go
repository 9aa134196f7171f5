package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptorWithOperationsCopies(t *testing.T) {
	base := Descriptor{Name: "api", Operations: []Operation{{Name: "get", Kind: KindQuery}}}
	ext := base.WithOperations(Operation{Name: "create", Kind: KindCommand})

	assert.Len(t, base.Operations, 1)
	assert.Len(t, ext.Operations, 2)
	assert.True(t, ext.Has("create"))
	assert.False(t, base.Has("create"))
	assert.Equal(t, []string{"create"}, ext.Commands())
	assert.Equal(t, base, base.WithOperations())
}
