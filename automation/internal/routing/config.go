package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the optional queue-routing file. It lets operators push chatty
// or latency-sensitive event types into their own asynq queues without a
// redeploy of rule definitions.
type Config struct {
	DefaultQueue string            `json:"default_queue"`
	QueueMap     map[string]string `json:"queue_map"`
	Queues       map[string]int    `json:"queues"`
}

type Resolver struct {
	Config Config
}

func Load(path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return Resolver{}, errors.New("queue routes config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read queue routes config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Resolver{}, fmt.Errorf("parse queue routes config: %w", err)
	}
	if len(cfg.Queues) == 0 {
		return Resolver{}, errors.New("queue routes config must define queues")
	}
	for name, weight := range cfg.Queues {
		if strings.TrimSpace(name) == "" {
			return Resolver{}, errors.New("queue name must not be empty")
		}
		if weight <= 0 {
			return Resolver{}, fmt.Errorf("queue %q must have weight > 0", name)
		}
	}
	for eventType, queue := range cfg.QueueMap {
		if strings.TrimSpace(eventType) == "" {
			return Resolver{}, errors.New("queue_map keys must be event types")
		}
		if _, ok := cfg.Queues[queue]; !ok {
			return Resolver{}, fmt.Errorf("queue_map references unknown queue %q", queue)
		}
	}
	if cfg.DefaultQueue != "" {
		if _, ok := cfg.Queues[cfg.DefaultQueue]; !ok {
			return Resolver{}, fmt.Errorf("default_queue %q not found in queues", cfg.DefaultQueue)
		}
	}
	return Resolver{Config: cfg}, nil
}

// Default builds a single-queue resolver for deployments without a routes
// file.
func Default(queue string) Resolver {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		queue = "automation"
	}
	return Resolver{Config: Config{
		DefaultQueue: queue,
		Queues:       map[string]int{queue: 1},
	}}
}

// LoadOrDefault loads the routes file at path, falling back to the
// per-env default location and then to a single-queue resolver when no
// file exists. A file that exists but fails to parse is an error.
func LoadOrDefault(path string, env string, fallbackQueue string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		defaultPath, err := DefaultRoutesPath(env)
		if err != nil {
			return Default(fallbackQueue), nil
		}
		path = defaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return Default(fallbackQueue), nil
	}
	return Load(path)
}

// ResolveQueue maps an event type to its asynq queue.
func (r Resolver) ResolveQueue(eventType string) string {
	eventType = strings.TrimSpace(eventType)
	if r.Config.QueueMap != nil {
		if v, ok := r.Config.QueueMap[eventType]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if strings.TrimSpace(r.Config.DefaultQueue) != "" {
		return r.Config.DefaultQueue
	}
	return "automation"
}

// Weights returns the queue weight map in the shape asynq.Config expects.
func (r Resolver) Weights() map[string]int {
	out := make(map[string]int, len(r.Config.Queues))
	for name, weight := range r.Config.Queues {
		out[name] = weight
	}
	if len(out) == 0 {
		out[r.ResolveQueue("")] = 1
	}
	return out
}

func DefaultRoutesPath(env string) (string, error) {
	root, err := findRepoRoot()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(env) == "" {
		env = "dev"
	}
	return filepath.Join(root, "configs", env+".automation.queues.json"), nil
}

func findRepoRoot() (string, error) {
	start, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("repo root not found")
}
