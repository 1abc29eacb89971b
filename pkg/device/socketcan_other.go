//go:build !linux

package device

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/BIwashi/cansim/pkg/config"
)

func init() {
	Register(KindSocketCAN, false, func(config.Config, *slog.Logger) (Device, error) {
		return nil, errors.Wrap(ErrUnsupported, "socketcan is only available on linux")
	})
}
