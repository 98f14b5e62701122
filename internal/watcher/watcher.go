package watcher

import (
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/model"
)

// DeviceWatcher 定义接口
type DeviceWatcher interface {
	Start() (<-chan model.USBEvent, error)
	Stop()
}

func New(log *zap.Logger) DeviceWatcher {
	return newWatcher(log)
}
