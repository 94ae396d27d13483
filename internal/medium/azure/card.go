package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/Chapsvision-dev/sdseed-recovery/internal/medium"
	"github.com/Chapsvision-dev/sdseed-recovery/internal/retry"
)

// maxBlob bounds what Rename buffers in memory; backup records are far smaller.
const maxBlob = 1 << 20

// Card treats one blob container as a removable card: the container is
// the filesystem, blobs are files and directories are implicit. Rename
// is download + single-shot upload + delete; an upload of this size is a
// single Put Blob, so the destination appears complete or not at all.
type Card struct {
	client    *azblob.Client
	container string
	ro        retry.Options

	mu      sync.Mutex
	mounted bool
}

func (c *Card) Name() string { return "azure" }

// Present reports whether the storage account answers; a missing
// container still counts as an inserted card without a filesystem.
func (c *Card) Present(ctx context.Context) bool {
	err := c.probe(ctx)
	return err == nil || isContainerMissing(err)
}

func (c *Card) Mount(ctx context.Context) error {
	start := time.Now()
	err := retry.Do(ctx, c.boundedRetry(), isAzRetryable, func(ctx context.Context, attempt int) error {
		log.Debug().Str("action", "azure_mount").Str("container", c.container).
			Int("attempt", attempt).Msg("starting attempt")
		return c.probe(ctx)
	})
	if err != nil {
		if isContainerMissing(err) {
			return medium.ErrNoFilesystem
		}
		return fmt.Errorf("azure mount: %w", err)
	}
	c.mu.Lock()
	c.mounted = true
	c.mu.Unlock()
	log.Debug().Str("action", "azure_mount").Str("container", c.container).
		Dur("elapsed_ms", time.Since(start)).Msg("container mounted")
	return nil
}

func (c *Card) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = false
}

// Mkfs creates the container, or empties it when it already exists.
func (c *Card) Mkfs(ctx context.Context) error {
	c.Unmount()
	_, err := c.client.CreateContainer(ctx, c.container, nil)
	if err == nil {
		log.Info().Str("action", "azure_mkfs").Str("container", c.container).Msg("container created")
		return nil
	}
	if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("azure mkfs: %w", err)
	}
	names, err := c.list(ctx, "")
	if err != nil {
		return fmt.Errorf("azure mkfs: %w", err)
	}
	for _, n := range names {
		if _, err := c.client.DeleteBlob(ctx, c.container, n, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("azure mkfs: delete %s: %w", n, err)
		}
	}
	log.Info().Str("action", "azure_mkfs").Str("container", c.container).Int("deleted", len(names)).Msg("container emptied")
	return nil
}

func (c *Card) SetLabel(ctx context.Context, label string) error {
	if err := c.ready(); err != nil {
		return err
	}
	cc := c.client.ServiceClient().NewContainerClient(c.container)
	_, err := cc.SetMetadata(ctx, &container.SetMetadataOptions{
		Metadata: map[string]*string{"label": to.Ptr(label)},
	})
	if err != nil {
		return fmt.Errorf("azure set label: %w", err)
	}
	return nil
}

// Mkdir is a no-op: blob names carry their directories.
func (c *Card) Mkdir(ctx context.Context, path string, recursive bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := medium.CleanPath(path)
	return err
}

func (c *Card) ReadFile(ctx context.Context, path string, buf []byte) (int, error) {
	key, err := c.key(path)
	if err != nil {
		return 0, err
	}
	var n int
	err = retry.Do(ctx, c.boundedRetry(), isAzRetryable, func(ctx context.Context, attempt int) error {
		resp, err := c.client.DownloadStream(ctx, c.container, key, nil)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		n, err = io.ReadFull(resp.Body, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = nil
		}
		return err
	})
	return n, translate("read", path, err)
}

func (c *Card) WriteFile(ctx context.Context, path string, data []byte) error {
	key, err := c.key(path)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, c.boundedRetry(), isAzRetryable, func(ctx context.Context, attempt int) error {
		_, err := c.client.UploadBuffer(ctx, c.container, key, data, nil)
		return err
	})
	return translate("write", path, err)
}

func (c *Card) Unlink(ctx context.Context, path string) error {
	key, err := c.key(path)
	if err != nil {
		return err
	}
	_, err = c.client.DeleteBlob(ctx, c.container, key, nil)
	return translate("unlink", path, err)
}

func (c *Card) Rename(ctx context.Context, src, dst string) error {
	dstKey, err := c.key(dst)
	if err != nil {
		return err
	}
	buf := make([]byte, maxBlob)
	n, err := c.ReadFile(ctx, src, buf)
	if err != nil {
		return err
	}
	if n == maxBlob {
		return fmt.Errorf("azure rename %s: blob larger than %d bytes", src, maxBlob)
	}
	if err := c.WriteFile(ctx, dst, buf[:n]); err != nil {
		return err
	}
	log.Debug().Str("action", "azure_rename").Str("container", c.container).
		Str("src", src).Str("dst", dstKey).Msg("destination written")
	return c.Unlink(ctx, src)
}

func (c *Card) ListDir(ctx context.Context, path string) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	clean, err := medium.CleanPath(path)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimPrefix(clean, "/")
	if prefix != "" {
		prefix += "/"
	}
	names, err := c.list(ctx, prefix)
	if err != nil {
		return nil, translate("list", path, err)
	}
	seen := map[string]bool{}
	for _, n := range names {
		rest := strings.TrimPrefix(n, prefix)
		if rest != "" {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	if len(seen) == 0 && prefix != "" {
		return nil, &fs.PathError{Op: "list", Path: path, Err: fs.ErrNotExist}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// probe lists at most one blob to check reachability and container existence.
func (c *Card) probe(ctx context.Context) error {
	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		_, err := pager.NextPage(ctx)
		return err
	}
	return nil
}

func (c *Card) list(ctx context.Context, prefix string) ([]string, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := c.client.NewListBlobsFlatPager(c.container, opts)
	var out []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil {
				out = append(out, *it.Name)
			}
		}
	}
	return out, nil
}

func (c *Card) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return medium.ErrNotMounted
	}
	return nil
}

func (c *Card) key(path string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	clean, err := medium.CleanPath(path)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(clean, "/"), nil
}

// boundedRetry caps transient-error retries of a single primitive; the
// unbounded loop lives at the card availability boundary.
func (c *Card) boundedRetry() retry.Options {
	ro := c.ro
	if ro.MaxAttempts == retry.Unbounded || ro.MaxAttempts == 0 {
		ro.MaxAttempts = retry.Default.MaxAttempts
	}
	return ro
}

var _ medium.Medium = (*Card)(nil)
