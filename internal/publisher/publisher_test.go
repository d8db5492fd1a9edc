package publisher

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterPublishesOneLinePerPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Publish(context.Background(), []byte(`{"AFFECTED_ENTITIES":[]}`)))
	require.NoError(t, w.Publish(context.Background(), []byte(`{"AFFECTED_ENTITIES":[{"ENTITY_ID":3}]}`)))

	require.Equal(t,
		"{\"AFFECTED_ENTITIES\":[]}\n{\"AFFECTED_ENTITIES\":[{\"ENTITY_ID\":3}]}\n",
		buf.String())
	require.NoError(t, w.Close())
}
