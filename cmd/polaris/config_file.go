package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/csmith/polaris/config"
)

var (
	configPath = flag.String("config", "polaris.yaml", "Path to the declaration document")
)

// fileConfigSource reads the declaration document from disk at start up and whenever a reload is requested.
// Failing to read the first document is fatal; failed reloads keep the previous generation installed.
type fileConfigSource struct {
	updateChan chan struct{}
	stopChan   chan struct{}
	installed  bool
}

func newFileConfigSource() *fileConfigSource {
	return &fileConfigSource{
		updateChan: make(chan struct{}, 1),
		stopChan:   make(chan struct{}, 1),
	}
}

func (f *fileConfigSource) Start(install documentUpdater, errChan chan<- error) error {
	go f.run(install, errChan)
	f.Reload()
	return nil
}

func (f *fileConfigSource) Stop(_ context.Context) {
	select {
	case f.stopChan <- struct{}{}:
	default:
	}
}

func (f *fileConfigSource) Reload() {
	select {
	case f.updateChan <- struct{}{}:
		slog.Info("Scheduled config update")
	default:
		slog.Info("A config update was already scheduled; ignoring...")
	}
}

func (f *fileConfigSource) Load() (*config.Document, error) {
	slog.Debug("Reading declaration document", "path", *configPath)

	configFile, err := os.Open(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer configFile.Close()

	doc, err := config.Parse(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return doc, nil
}

func (f *fileConfigSource) run(install documentUpdater, errChan chan<- error) {
	for {
		select {
		case <-f.stopChan:
			return
		case <-f.updateChan:
			err := f.apply(install)
			if err == nil {
				f.installed = true
				continue
			}

			if f.installed {
				slog.Error("Failed to reload declarations, keeping the previous generation", "error", err)
				continue
			}

			errChan <- err
			return
		}
	}
}

func (f *fileConfigSource) apply(install documentUpdater) error {
	doc, err := f.Load()
	if err != nil {
		return err
	}

	slog.Debug("Installing declarations", "slaves", len(doc.Slaves))
	if err := install(doc); err != nil {
		return fmt.Errorf("failed to install declarations: %w", err)
	}
	return nil
}
