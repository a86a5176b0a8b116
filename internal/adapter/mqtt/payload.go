package mqtt

import (
	"strconv"

	"github.com/buuhsmead/esp32-sdm120-mqtt/internal/domain"
)

// buildAggregatePayload renders the per-cycle JSON document. The key order
// and per-field precision are part of the wire contract consumed by
// downstream dashboards, so the document is built by hand instead of with
// encoding/json, which cannot pin float formatting.
func buildAggregatePayload(descriptors []domain.ParameterDescriptor, reading *domain.MeterReading) []byte {
	buf := make([]byte, 0, 384)
	buf = append(buf, '{')

	buf = append(buf, `"timestamp":`...)
	buf = strconv.AppendInt(buf, reading.Timestamp, 10)

	for i := range descriptors {
		desc := &descriptors[i]
		buf = append(buf, ',', '"')
		buf = append(buf, desc.Field...)
		buf = append(buf, '"', ':')
		buf = strconv.AppendFloat(buf, desc.Value(reading), 'f', desc.Precision, 64)
	}

	buf = append(buf, `,"device_ip":"`...)
	buf = append(buf, reading.DeviceIP...)
	buf = append(buf, '"', '}')
	return buf
}

// formatFieldValue renders one field as plain decimal text with its
// descriptor precision, e.g. "230.12" or "0.997".
func formatFieldValue(desc *domain.ParameterDescriptor, reading *domain.MeterReading) string {
	return strconv.FormatFloat(desc.Value(reading), 'f', desc.Precision, 64)
}
