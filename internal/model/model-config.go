package model

import "strings"

const (
	EndpointOpenAI     = "openai"
	EndpointOpenRouter = "openrouter"
)

// KnownEndpoints lists the endpoint names the registry can build clients for.
var KnownEndpoints = []string{EndpointOpenAI, EndpointOpenRouter}

func IsKnownEndpoint(name string) bool {
	for _, endpoint := range KnownEndpoints {
		if endpoint == name {
			return true
		}
	}
	return false
}

// ModelConfig binds a display name to a provider model id on a named endpoint.
type ModelConfig struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
	Default  bool   `json:"default"`
}

type ModelConfigList []ModelConfig

// FindByName matches case-insensitively, names are unique per list.
func (l ModelConfigList) FindByName(name string) (int, bool) {
	for i, cfg := range l {
		if strings.EqualFold(cfg.Name, name) {
			return i, true
		}
	}
	return -1, false
}

func (l ModelConfigList) FindByModel(modelID string) (int, bool) {
	for i, cfg := range l {
		if cfg.Model == modelID {
			return i, true
		}
	}
	return -1, false
}

// SetDefault marks the named config as default and clears the flag on every
// other entry, so at most one default holds at any time.
func (l ModelConfigList) SetDefault(name string) bool {
	found := false
	for i := range l {
		if strings.EqualFold(l[i].Name, name) {
			l[i].Default = true
			found = true
		} else {
			l[i].Default = false
		}
	}
	return found
}

func (l ModelConfigList) Default() (ModelConfig, bool) {
	for _, cfg := range l {
		if cfg.Default {
			return cfg, true
		}
	}
	return ModelConfig{}, false
}
