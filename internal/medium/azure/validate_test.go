package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/stretchr/testify/assert"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/retry"
)

func respErr(status int, code bloberror.Code) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: string(code)}
}

func TestIsAzRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"throttled", respErr(http.StatusTooManyRequests, ""), true},
		{"request timeout", respErr(http.StatusRequestTimeout, ""), true},
		{"server error", respErr(http.StatusBadGateway, ""), true},
		{"server busy", respErr(http.StatusOK, bloberror.ServerBusy), true},
		{"not found", respErr(http.StatusNotFound, bloberror.BlobNotFound), false},
		{"forbidden", respErr(http.StatusForbidden, bloberror.AuthorizationFailure), false},
		{"cancelled", fmt.Errorf("op: %w", context.Canceled), false},
		{"plain", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, isAzRetryable(c.err))
		})
	}
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate("read", "/x", nil))

	err := translate("read", "/trezor/dev/seed", respErr(http.StatusNotFound, bloberror.BlobNotFound))
	assert.True(t, medium.IsNotExist(err))

	boom := errors.New("boom")
	err = translate("write", "/x", boom)
	assert.ErrorIs(t, err, boom)
	assert.False(t, medium.IsNotExist(err))
}

func TestIsContainerMissing(t *testing.T) {
	assert.True(t, isContainerMissing(respErr(http.StatusNotFound, bloberror.ContainerNotFound)))
	assert.True(t, isContainerMissing(respErr(http.StatusConflict, bloberror.ContainerBeingDeleted)))
	assert.False(t, isContainerMissing(respErr(http.StatusNotFound, bloberror.BlobNotFound)))
}

func TestBoundedRetry(t *testing.T) {
	c := &Card{ro: retry.Options{MaxAttempts: retry.Unbounded}}
	assert.Equal(t, retry.Default.MaxAttempts, c.boundedRetry().MaxAttempts)

	c.ro.MaxAttempts = 2
	assert.Equal(t, 2, c.boundedRetry().MaxAttempts)
}

func TestFileOpsNeedMount(t *testing.T) {
	ctx := context.Background()
	c := &Card{container: "sd"}

	assert.ErrorIs(t, c.WriteFile(ctx, "/x", nil), medium.ErrNotMounted)
	_, err := c.ReadFile(ctx, "/x", make([]byte, 1))
	assert.ErrorIs(t, err, medium.ErrNotMounted)
	_, err = c.ListDir(ctx, "/")
	assert.ErrorIs(t, err, medium.ErrNotMounted)
	assert.ErrorIs(t, c.SetLabel(ctx, "TREZOR"), medium.ErrNotMounted)
}
