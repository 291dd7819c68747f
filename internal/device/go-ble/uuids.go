package goble

import "github.com/go-ble/ble"

// GATT services and characteristics used by the link
var (
	heartRateServiceUUID     = ble.UUID16(0x180D)
	heartRateMeasurementUUID = ble.UUID16(0x2A37)

	batteryServiceUUID = ble.UUID16(0x180F)
	batteryLevelUUID   = ble.UUID16(0x2A19)

	deviceInfoServiceUUID = ble.UUID16(0x180A)

	// Polar Measurement Data service
	pmdServiceUUID = ble.MustParse("FB005C80-02E7-F387-1CAD-8ACD2D8DF0C8")
	pmdControlUUID = ble.MustParse("FB005C81-02E7-F387-1CAD-8ACD2D8DF0C8")
	pmdDataUUID    = ble.MustParse("FB005C82-02E7-F387-1CAD-8ACD2D8DF0C8")
)

// deviceInfoFields maps Device Information Service characteristics to event keys
var deviceInfoFields = []struct {
	uuid ble.UUID
	key  string
}{
	{ble.UUID16(0x2A29), "manufacturer"},
	{ble.UUID16(0x2A24), "model"},
	{ble.UUID16(0x2A25), "serial"},
	{ble.UUID16(0x2A26), "firmware"},
	{ble.UUID16(0x2A27), "hardware"},
}

// findCharacteristic looks up a characteristic of a service in a discovered profile
func findCharacteristic(p *ble.Profile, service, char ble.UUID) *ble.Characteristic {
	if p == nil {
		return nil
	}
	for _, s := range p.Services {
		if !s.UUID.Equal(service) {
			continue
		}
		for _, c := range s.Characteristics {
			if c.UUID.Equal(char) {
				return c
			}
		}
	}
	return nil
}

func hasService(p *ble.Profile, service ble.UUID) bool {
	if p == nil {
		return false
	}
	for _, s := range p.Services {
		if s.UUID.Equal(service) {
			return true
		}
	}
	return false
}
