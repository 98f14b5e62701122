//go:build !linux

package watcher

import (
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/model"
)

type stubWatcher struct{}

func newWatcher(log *zap.Logger) DeviceWatcher                 { return &stubWatcher{} }
func (w *stubWatcher) Start() (<-chan model.USBEvent, error)   { return nil, nil }
func (w *stubWatcher) Stop()                                   {}
