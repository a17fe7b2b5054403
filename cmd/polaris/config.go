package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/csmith/polaris/config"
)

type documentUpdater func(*config.Document) error

type configSource interface {
	Start(install documentUpdater, errChan chan<- error) error
	Stop(ctx context.Context)
	Reload()
	Load() (*config.Document, error)
}

func createConfigSource(name string) (configSource, error) {
	switch strings.ToLower(name) {
	case "file":
		return newFileConfigSource(), nil
	case "network":
		return newNetworkConfigSource(), nil
	default:
		return nil, fmt.Errorf("unknown config source: %s", name)
	}
}
