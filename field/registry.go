// Package field routes individual PII values through the cipher layer,
// mapping each (table, field) pair to its dedicated key family.
package field

import (
	"fmt"
	"sort"
	"sync"

	"github.com/root-sector/retail-pos-module-keymanager/types"
)

// registry holds the configured PII fields, keyed "table.field".
type registry struct {
	mu      sync.RWMutex
	configs map[string]types.PIIFieldConfig
}

func newRegistry() *registry {
	return &registry{configs: make(map[string]types.PIIFieldConfig)}
}

func registryKey(table, field string) string {
	return fmt.Sprintf("%s.%s", table, field)
}

func (r *registry) add(cfg types.PIIFieldConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[registryKey(cfg.TableName, cfg.FieldName)] = cfg
}

func (r *registry) remove(table, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.configs, registryKey(table, field))
}

func (r *registry) get(table, field string) (types.PIIFieldConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[registryKey(table, field)]
	return cfg, ok
}

func (r *registry) list() []types.PIIFieldConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.PIIFieldConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		return registryKey(out[i].TableName, out[i].FieldName) < registryKey(out[j].TableName, out[j].FieldName)
	})
	return out
}
