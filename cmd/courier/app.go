package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/glimte/courier"
	"github.com/glimte/courier/config"
)

// app carries what every subcommand shares
type app struct {
	configFile string

	cfg     config.Config
	logger  *slog.Logger
	logSink io.Closer
	client  *courier.Client
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return err
	}

	logger, sink, err := newLogger(cfg)
	if err != nil {
		return err
	}

	client, err := courier.New(cfg, courier.WithLogger(logger))
	if err != nil {
		_ = sink.Close()
		return fmt.Errorf("create client: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.logSink = sink
	a.client = client
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.logSink != nil {
		errs = append(errs, a.logSink.Close())
	}
	return errors.Join(errs...)
}
