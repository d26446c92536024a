package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cruciblehq/pipelined/internal/credential"
	"github.com/cruciblehq/pipelined/internal/pipeline"
)

// Defaults used when the publisher is created with non-positive settings.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// Builds and pushes images.
//
// Build returns an error wrapping [pipeline.ErrBuild] when the image cannot
// be built. Push returns an error wrapping [pipeline.ErrAuth] when the
// registry rejects the credential; any other push error is treated as
// transient.
type Backend interface {
	Build(ctx context.Context, req Request, ref string) error
	Push(ctx context.Context, ref string, cred credential.Credential, out io.Writer) (ocispec.Descriptor, error)
}

// One image to build and push.
type Request struct {
	Image      string    // Repository reference, e.g. "registry.example.com/team/app".
	Tag        string    // Image tag.
	Dockerfile string    // Dockerfile path relative to ContextDir.
	ContextDir string    // Host directory used as build context.
	Output     io.Writer // Receives build and push progress. May be nil.
}

// Returns the tagged image reference.
func (r Request) Ref() string {
	return r.Image + ":" + r.Tag
}

// Outcome of a publish.
type Result struct {
	Reference  string             // Pushed reference pinned by digest, e.g. "app:1@sha256:...".
	Digest     digest.Digest      // Manifest digest reported by the registry.
	Descriptor ocispec.Descriptor // Manifest descriptor reported by the registry.
	Attempts   int                // Push attempts made, including the successful one.
}

// Registry publisher with bounded push retries.
type Publisher struct {
	backend  Backend
	attempts int
	backoff  time.Duration
	observe  func(ok bool) // Called after every push attempt, may be nil.
}

// Creates a publisher. Non-positive attempts or backoff select the defaults.
func New(backend Backend, attempts int, backoff time.Duration) *Publisher {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	return &Publisher{backend: backend, attempts: attempts, backoff: backoff}
}

// Registers a callback invoked after every push attempt.
func (p *Publisher) OnAttempt(fn func(ok bool)) {
	p.observe = fn
}

// Builds the image and pushes it with the given credential.
//
// The build runs once. The push is attempted up to the configured number of
// times, waiting backoff, 2*backoff, 4*backoff and so on between attempts.
// Cancellation of ctx stops the retry loop immediately.
func (p *Publisher) BuildAndPush(ctx context.Context, req Request, cred credential.Credential) (Result, error) {
	if req.Image == "" || req.Tag == "" {
		return Result{}, fmt.Errorf("%w: image and tag are required", pipeline.ErrBuild)
	}
	if info, err := os.Stat(req.ContextDir); err != nil || !info.IsDir() {
		return Result{}, fmt.Errorf("%w: build context %s is not a directory", pipeline.ErrBuild, req.ContextDir)
	}

	ref := req.Ref()
	out := req.Output
	if out == nil {
		out = io.Discard
	}

	slog.Info("building image", "ref", ref, "dockerfile", req.Dockerfile)
	if err := p.backend.Build(ctx, req, ref); err != nil {
		if errors.Is(err, pipeline.ErrBuild) || ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %w", pipeline.ErrBuild, err)
	}

	res := Result{}
	wait := p.backoff
	var lastErr error

	for res.Attempts < p.attempts {
		res.Attempts++

		desc, err := p.backend.Push(ctx, ref, cred, out)
		if p.observe != nil {
			p.observe(err == nil)
		}
		if err == nil {
			if err := desc.Digest.Validate(); err != nil {
				return res, fmt.Errorf("%w: registry returned invalid digest %q", pipeline.ErrPublish, desc.Digest)
			}
			res.Descriptor = desc
			res.Digest = desc.Digest
			res.Reference = ref + "@" + desc.Digest.String()
			slog.Info("image pushed", "ref", res.Reference, "attempts", res.Attempts)
			return res, nil
		}

		if errors.Is(err, pipeline.ErrAuth) {
			return res, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		lastErr = err
		if res.Attempts == p.attempts {
			break
		}

		slog.Warn("push failed, retrying", "ref", ref, "attempt", res.Attempts, "backoff", wait, "error", err)
		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
		wait *= 2
	}

	return res, fmt.Errorf("%w: %s after %d attempts: %w", pipeline.ErrPublish, ref, res.Attempts, lastErr)
}

// Waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
