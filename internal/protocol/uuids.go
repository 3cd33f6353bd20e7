package protocol

// Bluetooth service and characteristic UUIDs for the fitness-device family.
// The 16-bit identifiers (0x1826, 0x1818, 0x180D, 0x1816, 0x180F) are
// expanded to their full 128-bit base-UUID form, which is what the BLE
// stack reports during scanning.
const (
	// Fitness Machine Service (FTMS)
	ServiceUUIDFitnessMachine = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData    = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint  = "00002ad9-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service (CSC)
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Battery Service
	ServiceUUIDBattery   = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel = "00002a19-0000-1000-8000-00805f9b34fb"
)

// FTMS Control Point op codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	OpCodeRequestControl      byte = 0x00
	OpCodeReset               byte = 0x01
	OpCodeSetTargetResistance byte = 0x04
	OpCodeSetTargetPower      byte = 0x05
	OpCodeStartOrResume       byte = 0x07
	OpCodeStopOrPause         byte = 0x08
	OpCodeResponseCode        byte = 0x80
)

// FTMS Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)
