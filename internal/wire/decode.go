package wire

import "encoding/binary"

// AN400 broadcast IDs sent by the PE3 ECU (mirrored by CAN_to_Pi_USB.ino).
const (
	IDEngineBasics uint32 = 0x0CFFF048 // PE1: rpm, tps, fuel open time, ignition angle
	IDPressures    uint32 = 0x0CFFF148 // PE2: barometer, MAP, lambda + pressure unit bit
	IDOilShocks    uint32 = 0x0CFFF248 // PE3: oil pressure, front shock pots
	IDRearShocks   uint32 = 0x0CFFF348 // PE4: rear shock pots
	IDWheelSpeeds  uint32 = 0x0CFFF448 // PE5: wheel speed frequencies FR/FL/BR/BL
	IDElectrical   uint32 = 0x0CFFF548 // PE6: battery, coolant, air temp + temp unit bit
	IDLambdaAFR    uint32 = 0x0CFFF848 // PE9: lambdas and AFR
)

const psiToKPa = 6.89476

// Decoder turns a raw arbitration ID + up-to-8-byte payload into named,
// unit-scaled telemetry fields. Pure and total: unrecognized IDs and short
// payloads yield an empty map, never an error.
//
// Output units are normalized to kPa and °C regardless of what the ECU is
// configured to broadcast (the AN400 unit-selector bits are honored here so
// downstream consumers never see psi or °F).
type Decoder struct {
	// LegacyPE2 selects the narrow 0x0CFFF148 layout used by older firmware:
	// MAP only at bytes 0-1, ×0.01, no pressure unit bit.
	LegacyPE2 bool
}

// Decode returns the field map for one frame. All 16-bit values are
// little-endian. RPM is unsigned; every other channel is signed — the
// asymmetry is per the AN400 protocol table and must not be "fixed".
func (d Decoder) Decode(arbID uint32, payload []byte) map[string]float64 {
	fields := make(map[string]float64)

	n := len(payload)
	u16 := func(off int) (uint16, bool) {
		if off+2 > n {
			return 0, false
		}
		return binary.LittleEndian.Uint16(payload[off : off+2]), true
	}
	s16 := func(off int) (int16, bool) {
		v, ok := u16(off)
		return int16(v), ok
	}

	switch arbID {
	case IDEngineBasics:
		if v, ok := u16(0); ok {
			fields["rpm"] = float64(v)
		}
		if v, ok := s16(2); ok {
			fields["tps_pct"] = float64(v) * 0.1
		}
		if v, ok := s16(4); ok {
			fields["fot_ms"] = float64(v) * 0.1
		}
		if v, ok := s16(6); ok {
			fields["ign_deg"] = float64(v) * 0.1
		}

	case IDPressures:
		if d.LegacyPE2 {
			if v, ok := s16(0); ok {
				fields["map_kpa"] = float64(v) * 0.01
			}
			break
		}
		// byte 6 bit 0: 1 = values already kPa, 0 = psi
		kpa := n > 6 && payload[6]&0x01 != 0
		conv := func(raw float64) float64 {
			if kpa {
				return raw
			}
			return raw * psiToKPa
		}
		if v, ok := s16(0); ok {
			fields["baro_kpa"] = conv(float64(v) * 0.01)
		}
		if v, ok := s16(2); ok {
			fields["map_kpa"] = conv(float64(v) * 0.01)
		}
		if v, ok := s16(4); ok {
			fields["lambda"] = float64(v) * 0.01
		}

	case IDOilShocks:
		// Oil pressure has a fixed linear calibration, not a plain scale.
		if v, ok := s16(2); ok {
			fields["oil_psi"] = float64(v)/1000.0*25.0 - 12.5
		}
		if v, ok := s16(4); ok {
			fields["shock_fr_v"] = float64(v) * 0.001
		}
		if v, ok := s16(6); ok {
			fields["shock_fl_v"] = float64(v) * 0.001
		}

	case IDRearShocks:
		if v, ok := s16(0); ok {
			fields["shock_br_v"] = float64(v) * 0.001
		}
		if v, ok := s16(2); ok {
			fields["shock_bl_v"] = float64(v) * 0.001
		}

	case IDWheelSpeeds:
		if v, ok := s16(0); ok {
			fields["ws_fr_hz"] = float64(v) * 0.2
		}
		if v, ok := s16(2); ok {
			fields["ws_fl_hz"] = float64(v) * 0.2
		}
		if v, ok := s16(4); ok {
			fields["ws_br_hz"] = float64(v) * 0.2
		}
		if v, ok := s16(6); ok {
			fields["ws_bl_hz"] = float64(v) * 0.2
		}

	case IDElectrical:
		if v, ok := s16(0); ok {
			fields["batt_v"] = float64(v) * 0.01
		}
		// byte 6 bit 0: 1 = °C, 0 = °F
		celsius := n > 6 && payload[6]&0x01 != 0
		conv := func(raw float64) float64 {
			if celsius {
				return raw
			}
			return (raw - 32.0) * 5.0 / 9.0
		}
		if v, ok := s16(2); ok {
			fields["coolant_c"] = conv(float64(v) * 0.1)
		}
		if v, ok := s16(4); ok {
			fields["air_c"] = conv(float64(v) * 0.1)
		}

	case IDLambdaAFR:
		if v, ok := s16(0); ok {
			fields["lambda"] = float64(v) * 0.001
		}
		if v, ok := s16(2); ok {
			fields["lambda2"] = float64(v) * 0.001
		}
		if v, ok := s16(4); ok {
			fields["lambda_target"] = float64(v) * 0.001
		}
		if v, ok := s16(6); ok {
			fields["afr"] = float64(v) * 0.1
		}
	}

	return fields
}
