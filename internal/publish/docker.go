package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/pipelined/internal/credential"
	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Registry responses that indicate a rejected credential.
var authMarkers = []string{
	"unauthorized",
	"authentication required",
	"denied",
	"forbidden",
	"incorrect username or password",
}

// Backend that builds and pushes through a Docker engine.
type Docker struct {
	client *client.Client
}

var _ Backend = (*Docker)(nil)

// Connects to the Docker engine at host, or to the engine selected by the
// DOCKER_HOST environment when host is empty.
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &Docker{client: cli}, nil
}

// Closes the engine connection.
func (d *Docker) Close() error {
	return d.client.Close()
}

// Builds req.ContextDir into an image tagged ref.
func (d *Docker) Build(ctx context.Context, req Request, ref string) error {
	buildCtx, err := archive.TarWithOptions(req.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrBuild, err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  req.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrBuild, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, output(req.Output), 0, false, nil); err != nil {
		return fmt.Errorf("%w: %w", pipeline.ErrBuild, err)
	}
	return nil
}

// Pushes ref and returns the manifest descriptor reported by the registry.
func (d *Docker) Push(ctx context.Context, ref string, cred credential.Credential, out io.Writer) (ocispec.Descriptor, error) {
	auth, err := cred.Encode()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %w", pipeline.ErrAuth, err)
	}

	rc, err := d.client.ImagePush(ctx, ref, types.ImagePushOptions{RegistryAuth: auth})
	if err != nil {
		return ocispec.Descriptor{}, classifyPush(err)
	}
	defer rc.Close()

	pushed, err := readPushResult(rc, out)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if pushed.Digest == "" {
		return ocispec.Descriptor{}, fmt.Errorf("push of %s reported no digest", ref)
	}

	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    digest.Digest(pushed.Digest),
		Size:      int64(pushed.Size),
	}, nil
}

// Reads a push progress stream, writing progress to out, and returns the
// result the engine reports in its aux message. A malformed aux message is an
// error of its own rather than a missing digest.
func readPushResult(r io.Reader, out io.Writer) (types.PushResult, error) {
	var (
		pushed    types.PushResult
		decodeErr error
	)
	aux := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil || decodeErr != nil {
			return
		}
		if err := json.Unmarshal(*msg.Aux, &pushed); err != nil {
			decodeErr = fmt.Errorf("malformed push result: %w", err)
		}
	}

	if err := jsonmessage.DisplayJSONMessagesStream(r, output(out), 0, false, aux); err != nil {
		return types.PushResult{}, classifyPush(err)
	}
	if decodeErr != nil {
		return types.PushResult{}, decodeErr
	}
	return pushed, nil
}

// Marks push errors caused by a rejected credential with [pipeline.ErrAuth].
func classifyPush(err error) error {
	if errdefs.IsUnauthorized(err) || errdefs.IsForbidden(err) {
		return fmt.Errorf("%w: %w", pipeline.ErrAuth, err)
	}

	var jerr *jsonmessage.JSONError
	if errors.As(err, &jerr) && jerr.Code == 401 {
		return fmt.Errorf("%w: %w", pipeline.ErrAuth, err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", pipeline.ErrAuth, err)
		}
	}
	return err
}

func output(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
