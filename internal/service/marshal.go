package service

import (
	"encoding/json"
	"net/url"

	"github.com/gobalance/corelb/internal/config"
)

func parseBackendURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}

func marshalConfig(cfg *config.ServiceConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

func unmarshalConfig(data []byte) (*config.ServiceConfig, error) {
	var cfg config.ServiceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromStore rehydrates a persisted ServiceConfig for hostname, if
// one exists.
func LoadFromStore(store config.Store, hostname string) (*config.ServiceConfig, bool, error) {
	if store == nil {
		return nil, false, nil
	}
	blob, ok, err := store.Get(hostname)
	if err != nil || !ok {
		return nil, ok, err
	}
	cfg, err := unmarshalConfig(blob)
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}
