package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// ComposeUp invokes `docker compose up --pull always -d` against the given
// compose file, so a recreated agent container fetches the new image
// before it starts. containerd has no native compose concept, so this
// shells out to the docker CLI rather than reimplementing a compose
// parser.
func (c *ContainerdHostClient) ComposeUp(ctx context.Context, composePath string) error {
	if composePath == "" {
		return fmt.Errorf("bad_request: no compose path configured")
	}

	cmd := exec.CommandContext(ctx, "docker", "compose", "-f", composePath, "up", "--pull", "always", "-d")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("recreate_failed: docker compose up %s: %w (%s)", composePath, err, stderr.String())
	}
	return nil
}
