// Package session wires the matrix, device, bus and service that the bus
// commands share.
package session

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/bus"
	"github.com/BIwashi/cansim/pkg/cli"
	"github.com/BIwashi/cansim/pkg/device"
	"github.com/BIwashi/cansim/pkg/matrix"
	"github.com/BIwashi/cansim/pkg/service"
)

type Session struct {
	Matrix  *matrix.Matrix
	Bus     *bus.Bus
	Service *service.Service
}

// Open loads the message definitions, opens the configured device and
// starts the bus on it.
func Open(ctx context.Context, input cli.Input) (*Session, error) {
	cfg := input.Config
	if cfg.Matrix.Path == "" {
		return nil, errors.New("no message definitions, set --dbc-file or matrix.path")
	}
	input.Logger.Info("Loading message definitions...", "path", cfg.Matrix.Path, "encoding", cfg.Matrix.Encoding)
	mx, err := matrix.Load(cfg.Matrix.Path, cfg.Matrix.Encoding, matrix.WithLogger(input.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "failed to load message definitions")
	}
	input.Logger.Info("Loaded message definitions", "messages", mx.Len())

	busCfg, err := bus.ConfigFrom(cfg.Bus)
	if err != nil {
		return nil, err
	}
	dev, err := device.Open(ctx, cfg, input.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open CAN device")
	}
	b := bus.New(dev, busCfg, bus.WithLogger(input.Logger))
	if err := b.Open(ctx); err != nil {
		_ = dev.Close()
		return nil, err
	}
	return &Session{
		Matrix:  mx,
		Bus:     b,
		Service: service.New(b, mx, service.WithLogger(input.Logger)),
	}, nil
}

func (s *Session) Close() error {
	return s.Bus.Close()
}
