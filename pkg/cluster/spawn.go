package cluster

import (
	"context"
	"strconv"
)

// ExecSpawner builds a SpawnFunc that re-execs the running binary in
// worker mode, passing --worker-id so the child knows which slot it
// occupies. Env carries the cluster secret out of band (never as an
// argv, which would leak it to `ps`).
func ExecSpawner(binary string, baseArgs []string, env []string, clusterSecret []byte) SpawnFunc {
	return func(ctx context.Context, id uint32) (*worker, error) {
		args := append(append([]string{}, baseArgs...), "--worker-id", strconv.FormatUint(uint64(id), 10))
		return spawnWorker(ctx, id, binary, args, env, clusterSecret)
	}
}
