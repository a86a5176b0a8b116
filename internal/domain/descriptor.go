package domain

// Field names used as JSON keys and topic suffixes for published values.
const (
	FieldVoltage       = "voltage"
	FieldCurrent       = "current"
	FieldActivePower   = "active_power"
	FieldApparentPower = "apparent_power"
	FieldReactivePower = "reactive_power"
	FieldPowerFactor   = "power_factor"
	FieldFrequency     = "frequency"
	FieldImportEnergy  = "import_energy"
	FieldExportEnergy  = "export_energy"
	FieldTotalEnergy   = "total_energy"
)

// ParameterCount is the number of parameters read from the meter each cycle.
const ParameterCount = 10

// FloatRegisterCount is the number of 16-bit input registers holding one
// IEEE-754 float32 value.
const FloatRegisterCount = 2

// ParameterDescriptor describes one meter parameter: where it lives in the
// register map, how it is labelled, and how a decoded value moves in and
// out of a MeterReading.
type ParameterDescriptor struct {
	ID            int    // position in the poll sequence, also the bitmap bit
	Name          string // human-readable name used in logs
	Field         string // JSON key and topic suffix
	Address       uint16 // input register start address
	RegisterCount uint16 // number of registers holding the value
	Unit          string // engineering unit
	Precision     int    // decimal places for formatted output

	// Assign stores a decoded value into the matching reading field.
	Assign func(r *MeterReading, v float64)
	// Value extracts the matching field from a reading.
	Value func(r *MeterReading) float64
}

// Validate checks that the descriptor is internally consistent.
func (d *ParameterDescriptor) Validate() error {
	if d.Name == "" || d.Field == "" {
		return ErrInvalidDescriptor
	}
	if d.RegisterCount != FloatRegisterCount {
		return ErrInvalidRegisterCount
	}
	if d.Assign == nil || d.Value == nil {
		return ErrInvalidDescriptor
	}
	return nil
}

// Descriptors returns the SDM120 parameter table in poll order. The table
// covers the ten instantaneous and cumulative values the meter exposes
// through input registers, each held in two registers as a word-swapped
// IEEE-754 float32.
func Descriptors() []ParameterDescriptor {
	return []ParameterDescriptor{
		{
			ID: 0, Name: "Voltage", Field: FieldVoltage,
			Address: 0x0000, RegisterCount: FloatRegisterCount, Unit: "V", Precision: 2,
			Assign: func(r *MeterReading, v float64) { r.Voltage = v },
			Value:  func(r *MeterReading) float64 { return r.Voltage },
		},
		{
			ID: 1, Name: "Current", Field: FieldCurrent,
			Address: 0x0006, RegisterCount: FloatRegisterCount, Unit: "A", Precision: 3,
			Assign: func(r *MeterReading, v float64) { r.Current = v },
			Value:  func(r *MeterReading) float64 { return r.Current },
		},
		{
			ID: 2, Name: "Active Power", Field: FieldActivePower,
			Address: 0x000C, RegisterCount: FloatRegisterCount, Unit: "W", Precision: 2,
			Assign: func(r *MeterReading, v float64) { r.ActivePower = v },
			Value:  func(r *MeterReading) float64 { return r.ActivePower },
		},
		{
			ID: 3, Name: "Apparent Power", Field: FieldApparentPower,
			Address: 0x0012, RegisterCount: FloatRegisterCount, Unit: "VA", Precision: 2,
			Assign: func(r *MeterReading, v float64) { r.ApparentPower = v },
			Value:  func(r *MeterReading) float64 { return r.ApparentPower },
		},
		{
			ID: 4, Name: "Reactive Power", Field: FieldReactivePower,
			Address: 0x0018, RegisterCount: FloatRegisterCount, Unit: "var", Precision: 2,
			Assign: func(r *MeterReading, v float64) { r.ReactivePower = v },
			Value:  func(r *MeterReading) float64 { return r.ReactivePower },
		},
		{
			ID: 5, Name: "Power Factor", Field: FieldPowerFactor,
			Address: 0x001E, RegisterCount: FloatRegisterCount, Unit: "", Precision: 3,
			Assign: func(r *MeterReading, v float64) { r.PowerFactor = v },
			Value:  func(r *MeterReading) float64 { return r.PowerFactor },
		},
		{
			ID: 6, Name: "Frequency", Field: FieldFrequency,
			Address: 0x0046, RegisterCount: FloatRegisterCount, Unit: "Hz", Precision: 2,
			Assign: func(r *MeterReading, v float64) { r.Frequency = v },
			Value:  func(r *MeterReading) float64 { return r.Frequency },
		},
		{
			ID: 7, Name: "Import Energy", Field: FieldImportEnergy,
			Address: 0x0048, RegisterCount: FloatRegisterCount, Unit: "kWh", Precision: 3,
			Assign: func(r *MeterReading, v float64) { r.ImportEnergy = v },
			Value:  func(r *MeterReading) float64 { return r.ImportEnergy },
		},
		{
			ID: 8, Name: "Export Energy", Field: FieldExportEnergy,
			Address: 0x004A, RegisterCount: FloatRegisterCount, Unit: "kWh", Precision: 3,
			Assign: func(r *MeterReading, v float64) { r.ExportEnergy = v },
			Value:  func(r *MeterReading) float64 { return r.ExportEnergy },
		},
		{
			ID: 9, Name: "Total Energy", Field: FieldTotalEnergy,
			Address: 0x0156, RegisterCount: FloatRegisterCount, Unit: "kWh", Precision: 3,
			Assign: func(r *MeterReading, v float64) { r.TotalEnergy = v },
			Value:  func(r *MeterReading) float64 { return r.TotalEnergy },
		},
	}
}
