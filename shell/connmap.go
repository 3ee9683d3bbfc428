package shell

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ConnMap stores the shell of every logged in device, keyed by device ID. Devices which are not
// seen for the TTL are logged out.
type ConnMap struct {
	cache *ttlcache.Cache[string, *Shell]

	// user ID to device IDs
	userIDToDevices map[string]map[string]struct{}
	mu              *sync.Mutex
}

func NewConnMap(ttl time.Duration) *ConnMap {
	cm := &ConnMap{
		cache: ttlcache.New[string, *Shell](
			ttlcache.WithTTL[string, *Shell](ttl),
		),
		userIDToDevices: make(map[string]map[string]struct{}),
		mu:              &sync.Mutex{},
	}
	cm.cache.OnEviction(cm.closeShell)
	go cm.cache.Start()
	return cm
}

// Shell returns the shell for this device, or nil. Looking a device up keeps it alive.
func (m *ConnMap) Shell(deviceID string) *Shell {
	item := m.cache.Get(deviceID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// Add a signed in shell, or update the user an existing shell is tracked against.
func (m *ConnMap) Add(s *Shell) {
	m.cache.Set(s.DeviceID(), s, ttlcache.DefaultTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetDeviceLocked(s.DeviceID())
	if userID := s.UserID(); userID != "" {
		devices := m.userIDToDevices[userID]
		if devices == nil {
			devices = make(map[string]struct{})
			m.userIDToDevices[userID] = devices
		}
		devices[s.DeviceID()] = struct{}{}
	}
}

// Remove logs the device out. Removing an unknown device does nothing.
func (m *ConnMap) Remove(deviceID string) {
	m.cache.Delete(deviceID)
}

// NumDevices returns how many devices are logged in as this user.
func (m *ConnMap) NumDevices(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.userIDToDevices[userID])
}

func (m *ConnMap) Len() int {
	return m.cache.Len()
}

// Teardown logs out every device and stops the expiry loop.
func (m *ConnMap) Teardown() {
	m.cache.DeleteAll()
	m.cache.Stop()
}

func (m *ConnMap) closeShell(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Shell]) {
	s := item.Value()
	logger.Trace().Str("device", item.Key()).Int("reason", int(reason)).Msg("closing device")
	m.mu.Lock()
	m.forgetDeviceLocked(item.Key())
	m.mu.Unlock()
	s.Teardown()
}

// must hold m.mu
func (m *ConnMap) forgetDeviceLocked(deviceID string) {
	for userID, devices := range m.userIDToDevices {
		if _, ok := devices[deviceID]; !ok {
			continue
		}
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(m.userIDToDevices, userID)
		}
	}
}
