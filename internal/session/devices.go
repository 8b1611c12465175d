package session

import (
	"strings"

	"bluetooth-gateway/internal/connmgr"
)

// deviceList keeps discovered devices in discovery order, one entry per address.
type deviceList struct {
	items []connmgr.Device
	index map[string]int
}

func key(address string) string { return strings.ToUpper(address) }

// upsert adds d when its address is new, otherwise refreshes the listed entry.
// It reports whether the list changed.
func (l *deviceList) upsert(d connmgr.Device) bool {
	if d.Address == "" {
		return false
	}
	if l.index == nil {
		l.index = make(map[string]int)
	}
	k := key(d.Address)
	i, ok := l.index[k]
	if !ok {
		d.Address = k
		l.index[k] = len(l.items)
		l.items = append(l.items, d)
		return true
	}
	cur := l.items[i]
	next := cur
	if d.Path != "" {
		next.Path = d.Path
	}
	if d.Name != "" {
		next.Name = d.Name
	}
	if d.Alias != "" {
		next.Alias = d.Alias
	}
	if d.RSSI != 0 {
		next.RSSI = d.RSSI
	}
	next.Paired = cur.Paired || d.Paired
	l.items[i] = next
	return next != cur
}

func (l *deviceList) get(address string) (connmgr.Device, bool) {
	i, ok := l.index[key(address)]
	if !ok {
		return connmgr.Device{}, false
	}
	return l.items[i], true
}

func (l *deviceList) setPaired(address string, paired bool) bool {
	i, ok := l.index[key(address)]
	if !ok || l.items[i].Paired == paired {
		return false
	}
	l.items[i].Paired = paired
	return true
}

func (l *deviceList) clear() {
	l.items = nil
	l.index = nil
}

func (l *deviceList) len() int { return len(l.items) }

func (l *deviceList) snapshot() []connmgr.Device {
	if len(l.items) == 0 {
		return nil
	}
	out := make([]connmgr.Device, len(l.items))
	copy(out, l.items)
	return out
}
