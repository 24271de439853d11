package service

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Indicator is the user-visible sign that screen capture is running
type Indicator interface {
	Show() error
	Hide() error
}

const (
	indicatorTitle = "Screen Capture Active"
	indicatorBody  = "Ready to take screenshots"
	indicatorApp   = "capturebridge"

	notificationsService   = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
)

// NotifyIndicator shows a persistent desktop notification while capture runs
type NotifyIndicator struct {
	conn *dbus.Conn

	mu sync.Mutex
	id uint32
}

// NewNotifyIndicator connects to the session bus
func NewNotifyIndicator() (*NotifyIndicator, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &NotifyIndicator{conn: conn}, nil
}

// Show posts the notification, replacing the previous one if still shown
func (n *NotifyIndicator) Show() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"resident": dbus.MakeVariant(true),
		"urgency":  dbus.MakeVariant(byte(0)),
	}
	obj := n.conn.Object(notificationsService, notificationsPath)
	call := obj.Call(notificationsInterface+".Notify", 0,
		indicatorApp, n.id, "camera-photo", indicatorTitle, indicatorBody,
		[]string{}, hints, int32(0))
	if call.Err != nil {
		return fmt.Errorf("failed to show notification: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("failed to read notification id: %w", err)
	}
	n.id = id
	return nil
}

// Hide closes the notification
func (n *NotifyIndicator) Hide() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.id == 0 {
		return nil
	}
	obj := n.conn.Object(notificationsService, notificationsPath)
	call := obj.Call(notificationsInterface+".CloseNotification", 0, n.id)
	n.id = 0
	if call.Err != nil {
		return fmt.Errorf("failed to close notification: %w", call.Err)
	}
	return nil
}

// Close disconnects from the bus
func (n *NotifyIndicator) Close() error {
	return n.conn.Close()
}

// LogIndicator only logs. Used when no session bus is available.
type LogIndicator struct{}

func (LogIndicator) Show() error {
	logger.WithComponent("service").Info().Str("title", indicatorTitle).Msg(indicatorBody)
	return nil
}

func (LogIndicator) Hide() error {
	logger.WithComponent("service").Info().Msg("Screen capture stopped")
	return nil
}

// DefaultIndicator returns a NotifyIndicator, or a LogIndicator when the
// session bus is unreachable
func DefaultIndicator() Indicator {
	n, err := NewNotifyIndicator()
	if err != nil {
		logger.WithComponent("service").Debug().Err(err).Msg("Desktop notifications unavailable, logging instead")
		return LogIndicator{}
	}
	return n
}
