package process

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/CZERTAINLY/TaskRunner/internal/model"
	"github.com/google/uuid"
)

const (
	EnvTaskID  = "TASKRUNNER_TASK_ID"
	EnvTaskKey = "TASKRUNNER_TASK_KEY"
)

// Command describes a worker program.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// FromWorker builds a Command from its configuration. Environment keys are
// upper-cased and values starting with $ are expanded.
func FromWorker(w model.Worker) Command {
	env := make([]string, 0, len(w.Env))
	for _, k := range slices.Sorted(maps.Keys(w.Env)) {
		v := w.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return Command{
		Path: w.Path,
		Args: append([]string(nil), w.Args...),
		Env:  env,
		Dir:  w.Dir,
	}
}

// ForTask returns a copy of c whose environment is the current process
// environment, then c.Env, then the task id and key.
func (c Command) ForTask(id uuid.UUID, key string) Command {
	env := os.Environ()
	env = append(env, c.Env...)
	env = append(env, EnvTaskID+"="+id.String(), EnvTaskKey+"="+key)
	return Command{
		Path: c.Path,
		Args: append([]string(nil), c.Args...),
		Env:  env,
		Dir:  c.Dir,
	}
}

// Catalog maps a task key to the worker program serving it. Keys are case
// insensitive as the config loader lowercases them.
type Catalog map[string]Command

func CatalogFromConfig(workers map[string]model.Worker) Catalog {
	c := make(Catalog, len(workers))
	for key, w := range workers {
		c[strings.ToLower(key)] = FromWorker(w)
	}
	return c
}

func (c Catalog) Lookup(key string) (Command, bool) {
	cmd, ok := c[strings.ToLower(key)]
	return cmd, ok
}

func (c Catalog) Keys() []string {
	return slices.Sorted(maps.Keys(c))
}
