package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewParsesLevel(t *testing.T) {
	l, err := New("debug")
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = New("loud")
	require.Error(t, err)
}

func TestOrNopAndWithRequest(t *testing.T) {
	l := OrNop(nil)
	require.NotNil(t, l)
	require.Same(t, l, WithRequest(context.Background(), l))
}
