//go:build linux

package watcher

import (
	"strings"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/Hara602/usbDefender/internal/model"
	"github.com/Hara602/usbDefender/internal/sysutil"
)

type linuxWatcher struct {
	log    *zap.Logger
	events chan model.USBEvent
	stop   chan struct{}
}

func newWatcher(log *zap.Logger) DeviceWatcher {
	return &linuxWatcher{
		log:    log,
		events: make(chan model.USBEvent, 10),
		stop:   make(chan struct{}),
	}
}

func (w *linuxWatcher) Start() (<-chan model.USBEvent, error) {
	// 监听 UDEV 事件,连接 NETLINK_KOBJECT_UEVENT
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()

		// 在处理新事件前，先扫描已存在的设备
		go w.scanExistingUSB()

		for {
			select {
			case <-w.stop:
				close(quit)
				return
			case <-errChan:
				// 忽略底层网络错误，继续尝试
				continue
			case uevent := <-queue:
				w.handleUdevEvent(uevent)
			}
		}
	}()
	return w.events, nil
}

func (w *linuxWatcher) Stop() {
	close(w.stop)
}

func (w *linuxWatcher) handleUdevEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "block" || uevent.Env["DEVTYPE"] != "partition" {
		return
	}
	switch uevent.Action {
	case "add":
		go w.handleAdd(uevent)
	case "remove":
		devName := uevent.Env["DEVNAME"]
		if !strings.HasPrefix(devName, "/dev") {
			devName = "/dev/" + devName
		}
		w.events <- model.USBEvent{
			Action:     "remove",
			DevicePath: devName,
			TimeStamp:  time.Now(),
		}
	}
}

func (w *linuxWatcher) handleAdd(uevent netlink.UEvent) {
	devName := uevent.Env["DEVNAME"]
	if !strings.HasPrefix(devName, "/dev") {
		devName = "/dev/" + devName
	}

	// 信息采集：向上回溯找到 USB 物理设备根目录
	sysPath := "/sys" + uevent.Env["DEVPATH"]
	usbRoot := sysutil.FindUSBRoot(sysPath)
	ident, product := sysutil.IdentityFromUSBRoot(usbRoot)
	devType := sysutil.ClassifyDevice(usbRoot)

	w.log.Info("USB partition attached",
		zap.String("dev", devName),
		zap.String("vid", ident.VendorID),
		zap.String("pid", ident.ProductID),
		zap.String("serial", ident.Serial),
		zap.String("type", devType))

	w.events <- model.USBEvent{
		Action:     "add",
		DevicePath: devName,
		Identity:   ident,
		Product:    product,
		DeviceType: devType,
		TimeStamp:  time.Now(),
	}
}

// scanExistingUSB 扫描当前已挂载的文件系统，寻找启动前插入的 USB 设备
func (w *linuxWatcher) scanExistingUSB() {
	for _, m := range sysutil.ListMounts() {
		devPath := m[0]
		usbRoot, ok := sysutil.USBRootOf(devPath)
		if !ok {
			continue
		}
		ident, product := sysutil.IdentityFromUSBRoot(usbRoot)
		devType := sysutil.ClassifyDevice(usbRoot)
		w.log.Info("found existing USB device during scan",
			zap.String("dev", devPath), zap.String("mount", m[1]))
		w.events <- model.USBEvent{
			Action:     "add",
			DevicePath: devPath,
			Identity:   ident,
			Product:    product,
			DeviceType: devType,
			TimeStamp:  time.Now(),
		}
	}
}
