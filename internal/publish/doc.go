// Package publish builds container images and pushes them to a registry.
//
// A [Publisher] runs one image build followed by a push through a [Backend].
// Build failures are final and fail with [pipeline.ErrBuild]. Push failures
// are classified: an authentication failure fails immediately with
// [pipeline.ErrAuth], since retrying a bad credential only wastes time and
// trips registry rate limits, while transient failures are retried with
// exponential backoff up to a bounded number of attempts, after which the
// push fails with [pipeline.ErrPublish]. The number of attempts made is
// reported in the [Result] on success and failure alike.
//
// The [Docker] backend talks to a Docker engine. Credentials are passed to
// each call explicitly and never stored by the publisher.
//
// Example usage:
//
//	backend, err := publish.NewDocker("")
//	if err != nil {
//	    return err
//	}
//	pub := publish.New(backend, 3, 2*time.Second)
//
//	res, err := pub.BuildAndPush(ctx, publish.Request{
//	    Image:      "registry.example.com/team/logger",
//	    Tag:        "20",
//	    Dockerfile: "Dockerfile",
//	    ContextDir: "/var/lib/pipelined/workspaces/42/src",
//	}, cred)
package publish
