package domain

type DeviceKind string

const (
	DeviceAudioInput DeviceKind = "audioinput"
	DeviceVideoInput DeviceKind = "videoinput"
)

type Device struct {
	DeviceID string     `json:"deviceId" mapstructure:"device_id"`
	Label    string     `json:"label" mapstructure:"label"`
	Kind     DeviceKind `json:"kind" mapstructure:"kind"`
}

// PartitionDevices splits an enumeration into audio and video inputs, dropping other kinds.
func PartitionDevices(all []Device) (audio, video []Device) {
	audio = []Device{}
	video = []Device{}
	for _, d := range all {
		switch d.Kind {
		case DeviceAudioInput:
			audio = append(audio, d)
		case DeviceVideoInput:
			video = append(video, d)
		}
	}
	return audio, video
}

// ContainsDevice reports whether id is among devices.
func ContainsDevice(devices []Device, id string) bool {
	for _, d := range devices {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}
