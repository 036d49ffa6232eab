// Package ftms decodes Bluetooth Fitness Machine Service notifications
// (Indoor Bike Data and Rower Data) into normalized samples, handling the
// variable optional-field layout and multi-notification fragmentation the
// FMS profile allows.
package ftms

// Primary service and characteristic UUIDs from the Bluetooth SIG FTMS
// profile. Named the way the teacher names its own BLE UUID constants.
const (
	ServiceUUIDFTMS = "00001826-0000-1000-8000-00805f9b34fb"

	CharUUIDIndoorBikeData = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDRowerData      = "00002ad1-0000-1000-8000-00805f9b34fb"
)
