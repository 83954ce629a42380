// Package gateway keeps the host-side device registry: every node that
// joined the network, with its addresses, link quality and timestamps,
// persisted in a bbolt database and kept current from stack events.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"espzb/internal/stack"
	"espzb/internal/zigbee"
)

// ErrNotFound is returned when a requested device is not in the registry.
var ErrNotFound = errors.New("device not found")

var bucketDevices = []byte("devices")

// Device is one registered network node.
type Device struct {
	IEEE         zigbee.IEEEAddr  `json:"ieee"`
	Short        zigbee.ShortAddr `json:"short"`
	FriendlyName string           `json:"friendly_name,omitempty"`
	JoinedAt     time.Time        `json:"joined_at"`
	LastSeen     time.Time        `json:"last_seen"`
	LQI          uint8            `json:"lqi,omitempty"`
	RSSI         int8             `json:"rssi,omitempty"`
}

// Registry is the bbolt-backed device table.
type Registry struct {
	db     *bolt.DB
	logger *slog.Logger
	unsub  []func()
}

// Open opens or creates the registry database.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("gateway: open registry: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("gateway: create bucket: %w", err)
	}
	return &Registry{db: db, logger: logger.With("component", "gateway")}, nil
}

// Close detaches from the event bus and closes the database.
func (r *Registry) Close() error {
	for _, u := range r.unsub {
		u()
	}
	r.unsub = nil
	return r.db.Close()
}

// Save stores or replaces a device record.
func (r *Registry) Save(dev *Device) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDevices).Put([]byte(dev.IEEE.String()), data)
	})
}

// Get returns the device with the given IEEE address.
func (r *Registry) Get(ieee zigbee.IEEEAddr) (*Device, error) {
	var dev Device
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(ieee.String()))
		if data == nil {
			return fmt.Errorf("gateway: device %s: %w", ieee, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// Delete removes a device record. Deleting an absent device is not an
// error.
func (r *Registry) Delete(ieee zigbee.IEEEAddr) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(ieee.String()))
	})
}

// List returns all registered devices.
func (r *Registry) List() ([]*Device, error) {
	var devices []*Device
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(_, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

// Update atomically reads, modifies and saves a device record.
func (r *Registry) Update(ieee zigbee.IEEEAddr, fn func(dev *Device) error) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		key := []byte(ieee.String())
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("gateway: device %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// ByShort returns the device currently holding the given short address.
func (r *Registry) ByShort(short zigbee.ShortAddr) (*Device, error) {
	devices, err := r.List()
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Short == short {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("gateway: short %s: %w", short, ErrNotFound)
}

// Attach subscribes the registry to the stack's event bus so joins,
// departures and link reports keep the table current. Close detaches.
func (r *Registry) Attach(bus *stack.EventBus) {
	r.unsub = append(r.unsub,
		bus.On(stack.EventDeviceJoined, func(ev stack.Event) {
			data, ok := ev.Data.(stack.DeviceJoinedData)
			if !ok {
				return
			}
			r.onJoined(data)
		}),
		bus.On(stack.EventDeviceLeft, func(ev stack.Event) {
			data, ok := ev.Data.(stack.DeviceLeftData)
			if !ok {
				return
			}
			r.onLeft(data.Short)
		}),
		bus.On(stack.EventLinkQuality, func(ev stack.Event) {
			data, ok := ev.Data.(stack.LinkQualityData)
			if !ok {
				return
			}
			r.onLinkQuality(data)
		}),
	)
}

func (r *Registry) onJoined(data stack.DeviceJoinedData) {
	now := time.Now()
	dev, err := r.Get(data.IEEE)
	if err != nil {
		// First sighting of this node.
		dev = &Device{IEEE: data.IEEE, JoinedAt: now}
	}
	dev.Short = data.Short
	dev.LastSeen = now
	if err := r.Save(dev); err != nil {
		r.logger.Error("save joined device", "ieee", data.IEEE, "err", err)
		return
	}
	r.logger.Info("device registered", "ieee", data.IEEE, "short", data.Short)
}

func (r *Registry) onLeft(short zigbee.ShortAddr) {
	dev, err := r.ByShort(short)
	if err != nil {
		return
	}
	if err := r.Delete(dev.IEEE); err != nil {
		r.logger.Error("delete device", "ieee", dev.IEEE, "err", err)
		return
	}
	r.logger.Info("device removed", "ieee", dev.IEEE, "short", short)
}

func (r *Registry) onLinkQuality(data stack.LinkQualityData) {
	dev, err := r.ByShort(data.Addr)
	if err != nil {
		return
	}
	err = r.Update(dev.IEEE, func(d *Device) error {
		d.LastSeen = time.Now()
		d.LQI = data.LQI
		d.RSSI = data.RSSI
		return nil
	})
	if err != nil {
		r.logger.Error("update link quality", "ieee", dev.IEEE, "err", err)
	}
}
