package models

// DeviceKind is the equipment class encoded in a PBX device identifier's prefix
type DeviceKind int

const (
	DeviceUnknown DeviceKind = iota
	DeviceExtension
	DeviceTrunk
	DeviceVoicemail
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceExtension:
		return "extension"
	case DeviceTrunk:
		return "trunk"
	case DeviceVoicemail:
		return "voicemail"
	default:
		return "unknown"
	}
}

// ClassifyDevice returns the device class of ids like E201, T9001 or V3.
// Strings shorter than two characters classify as unknown.
func ClassifyDevice(device string) DeviceKind {
	if len(device) < 2 {
		return DeviceUnknown
	}
	switch device[0] {
	case 'E':
		return DeviceExtension
	case 'T':
		return DeviceTrunk
	case 'V':
		return DeviceVoicemail
	default:
		return DeviceUnknown
	}
}

// ExtensionFromDevice strips the E prefix from an extension device id.
// Trunks, voicemail ports and anything unrecognized yield "".
func ExtensionFromDevice(device string) string {
	if ClassifyDevice(device) != DeviceExtension {
		return ""
	}
	ext := device[1:]
	for i := 0; i < len(ext); i++ {
		if ext[i] < '0' || ext[i] > '9' {
			return ""
		}
	}
	return ext
}
