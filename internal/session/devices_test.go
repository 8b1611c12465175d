package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bluetooth-gateway/internal/connmgr"
)

func TestDeviceListDedupByAddress(t *testing.T) {
	var l deviceList
	assert.True(t, l.upsert(connmgr.Device{Address: "aa:bb:cc:dd:ee:01", Name: "HC-05", RSSI: -70}))
	assert.True(t, l.upsert(connmgr.Device{Address: "AA:BB:CC:DD:EE:02"}))
	// Same device, different case: refreshed in place, not appended.
	assert.True(t, l.upsert(connmgr.Device{Address: "AA:BB:CC:DD:EE:01", RSSI: -55}))
	assert.False(t, l.upsert(connmgr.Device{Address: "AA:BB:CC:DD:EE:01", RSSI: -55}))
	assert.False(t, l.upsert(connmgr.Device{Name: "no address"}))

	got := l.snapshot()
	assert.Len(t, got, 2)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", got[0].Address)
	assert.Equal(t, "HC-05", got[0].Name)
	assert.Equal(t, int16(-55), got[0].RSSI)
	assert.Equal(t, "AA:BB:CC:DD:EE:02", got[1].Address)
}

func TestDeviceListSnapshotIsCopy(t *testing.T) {
	var l deviceList
	l.upsert(connmgr.Device{Address: "AA:BB:CC:DD:EE:01", Name: "a"})
	snap := l.snapshot()
	snap[0].Name = "mutated"
	d, ok := l.get("aa:bb:cc:dd:ee:01")
	assert.True(t, ok)
	assert.Equal(t, "a", d.Name)
}

func TestDeviceListPairedAndClear(t *testing.T) {
	var l deviceList
	l.upsert(connmgr.Device{Address: "AA:BB:CC:DD:EE:01"})
	assert.True(t, l.setPaired("AA:BB:CC:DD:EE:01", true))
	assert.False(t, l.setPaired("AA:BB:CC:DD:EE:01", true))
	assert.False(t, l.setPaired("AA:BB:CC:DD:EE:09", true))

	l.clear()
	assert.Equal(t, 0, l.len())
	assert.Nil(t, l.snapshot())
	_, ok := l.get("AA:BB:CC:DD:EE:01")
	assert.False(t, ok)
}
