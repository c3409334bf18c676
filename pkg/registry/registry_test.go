package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greeter struct {
	prefix string
	name   string
}

func TestRegistry(t *testing.T) {
	r := NewRegistry[greeter, string]("hello")
	r.Register("world", func(prefix string) (greeter, error) {
		return greeter{prefix: prefix, name: "world"}, nil
	})
	r.Register("broken", func(string) (greeter, error) {
		return greeter{}, errors.New("unavailable")
	})

	g, err := r.New("world")
	require.NoError(t, err)
	assert.Equal(t, greeter{prefix: "hello", name: "world"}, g)

	_, err = r.New("broken")
	assert.EqualError(t, err, "unavailable")

	_, err = r.New("missing")
	assert.EqualError(t, err, "component not found: missing")

	assert.Equal(t, []string{"broken", "world"}, r.IDs())
	assert.Panics(t, func() {
		r.Register("world", nil)
	})
}
