package archive

import "strings"

// archiveTypes lists the sensor type tokens the archive uses in file names.
// Longer tokens come first so that substring matching prefers the most specific one.
var archiveTypes = []string{
	"pms3003",
	"pms5003",
	"pms7003",
	"ds18b20",
	"htu21d",
	"sds011",
	"bme280",
	"bmp180",
	"bmp280",
	"sht31",
	"sps30",
	"dht22",
	"hpm",
}

// NormalizeSensorType maps a registry sensor-type name such as "SDS011 (Nova)"
// to the archive token. It reports false for unsupported types.
func NormalizeSensorType(name string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return "", false
	}
	for _, token := range archiveTypes {
		if strings.Contains(lower, token) {
			return token, true
		}
	}
	return "", false
}

// SupportedSensorTypes returns a copy of the known archive tokens.
func SupportedSensorTypes() []string {
	out := make([]string, len(archiveTypes))
	copy(out, archiveTypes)
	return out
}
