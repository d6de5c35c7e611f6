package calltrace

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrGroupLimitCPU(t *testing.T) {
	t.Parallel()

	var count atomic.Int32
	errGroup := ErrGroupLimitCPU()
	for i := 0; i < 20; i++ {
		errGroup.Go(func() error {
			count.Add(1)
			return nil
		})
	}
	require.NoError(t, errGroup.Wait())
	assert.Equal(t, int32(20), count.Load())
}

func TestContentDigest(t *testing.T) {
	t.Parallel()

	a := contentDigest([]byte(traceText()))
	assert.Equal(t, a, contentDigest([]byte(traceText())))
	assert.NotEqual(t, a, contentDigest([]byte(traceText(`<call no="0" name="f">`, `</call>`))))
	assert.NotEmpty(t, contentDigest(nil))
}
