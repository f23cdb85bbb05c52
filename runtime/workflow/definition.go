package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type (
	// ExecuteFunc is a workflow body. It runs in its own goroutine with a
	// Context bound to one execution and returns when the workflow is done;
	// a nil return completes the execution, an error fails it.
	ExecuteFunc func(ctx context.Context, wf *Context) error

	// Definition is a compiled workflow definition. Serialized registration
	// versions carry only metadata; the execute function must be registered
	// in-process under the same name (bodies are never persisted, progress is
	// reconstructed from the event log on restart).
	Definition struct {
		// Name identifies the workflow.
		Name string
		// Version is the definition version string.
		Version string
		// Description is free-form authoring metadata.
		Description string
		// Execute is the workflow body.
		Execute ExecuteFunc
	}

	// definitionSet stores compiled definitions by name and version. The
	// empty version resolves to the most recently registered version of the
	// name.
	definitionSet struct {
		mu     sync.RWMutex
		byName map[string]map[string]*Definition
		latest map[string]string
	}

	// versionMetadata is the serialized form stored by registration versions.
	versionMetadata struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
)

func newDefinitionSet() *definitionSet {
	return &definitionSet{
		byName: make(map[string]map[string]*Definition),
		latest: make(map[string]string),
	}
}

func (d *definitionSet) add(def *Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	versions := d.byName[def.Name]
	if versions == nil {
		versions = make(map[string]*Definition)
		d.byName[def.Name] = versions
	}
	versions[def.Version] = def
	d.latest[def.Name] = def.Version
}

func (d *definitionSet) get(name, version string) (*Definition, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	versions, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	if version == "" {
		version = d.latest[name]
	}
	def, ok := versions[version]
	return def, ok
}

// decodeVersionMetadata parses the serialized definition held by a
// registration version.
func decodeVersionMetadata(raw []byte) (versionMetadata, error) {
	var meta versionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return versionMetadata{}, Validationf("decode registration version: %v", err)
	}
	if meta.Name == "" {
		return versionMetadata{}, Validationf("registration version missing workflow name")
	}
	return meta, nil
}

// EncodeVersionMetadata serializes definition metadata for storage in a
// registration version. The inverse of the runtime's loader path.
func EncodeVersionMetadata(name, version string) ([]byte, error) {
	raw, err := json.Marshal(versionMetadata{Name: name, Version: version})
	if err != nil {
		return nil, fmt.Errorf("encode registration version: %w", err)
	}
	return raw, nil
}
