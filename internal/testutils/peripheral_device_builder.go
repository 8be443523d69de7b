package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
	"github.com/srg/pmdctl/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// CharacteristicConfig represents a GATT characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a GATT service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete device profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// ControlResponder computes the control point reply to a written command.
// A nil reply means the peripheral stays silent.
type ControlResponder func(cmd []byte) []byte

// MockPeripheral is a built mock: the client handed to the transport and the
// profile it discovers.
type MockPeripheral struct {
	Client  *mocks.MockClient
	Profile *blelib.Profile
}

// Characteristic returns the profile characteristic with the given UUID.
func (p *MockPeripheral) Characteristic(uuid string) *blelib.Characteristic {
	want := blelib.MustParse(uuid)
	for _, svc := range p.Profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(want) {
				return c
			}
		}
	}
	return nil
}

// Notify pushes data on the characteristic with the given UUID.
func (p *MockPeripheral) Notify(uuid string, data []byte) bool {
	c := p.Characteristic(uuid)
	if c == nil {
		return false
	}
	return p.Client.Notify(c, data)
}

// PeripheralDeviceBuilder builds a mocked GATT peripheral
type PeripheralDeviceBuilder struct {
	profile     DeviceProfileConfig
	controlUUID string
	responder   ControlResponder
	writeErr    error
	discoverErr error
}

// NewPeripheralDeviceBuilder creates a new peripheral device builder
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Services: []ServiceConfig{},
		},
	}
}

// WithService adds a service to the device profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON fills the device profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// WithControlResponder answers every write to the characteristic controlUUID
// by notifying the reply computed by responder on the same characteristic.
func (b *PeripheralDeviceBuilder) WithControlResponder(controlUUID string, responder ControlResponder) *PeripheralDeviceBuilder {
	b.controlUUID = controlUUID
	b.responder = responder
	return b
}

// WithWriteError makes every characteristic write fail with err.
func (b *PeripheralDeviceBuilder) WithWriteError(err error) *PeripheralDeviceBuilder {
	b.writeErr = err
	return b
}

// WithDiscoverError makes profile discovery fail with err.
func (b *PeripheralDeviceBuilder) WithDiscoverError(err error) *PeripheralDeviceBuilder {
	b.discoverErr = err
	return b
}

// parseCharacteristicProperties converts a property list such as
// "read,write,notify" to ble.Property flags
func parseCharacteristicProperties(props string) blelib.Property {
	if strings.TrimSpace(props) == "" {
		return blelib.CharRead | blelib.CharWrite | blelib.CharNotify
	}

	var property blelib.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "read":
			property |= blelib.CharRead
		case "write":
			property |= blelib.CharWrite
		case "write-no-response":
			property |= blelib.CharWriteNR
		case "notify":
			property |= blelib.CharNotify
		case "indicate":
			property |= blelib.CharIndicate
		}
	}
	return property
}

// Build creates a mocked client with the configured profile
func (b *PeripheralDeviceBuilder) Build() *MockPeripheral {
	client := mocks.NewMockClient()

	var services []*blelib.Service
	for _, svcConfig := range b.profile.Services {
		svc := &blelib.Service{UUID: blelib.MustParse(svcConfig.UUID)}
		for _, charConfig := range svcConfig.Characteristics {
			svc.Characteristics = append(svc.Characteristics, &blelib.Characteristic{
				UUID:     blelib.MustParse(charConfig.UUID),
				Property: parseCharacteristicProperties(charConfig.Properties),
				Value:    charConfig.Value,
			})
		}
		services = append(services, svc)
	}
	profile := &blelib.Profile{Services: services}
	peripheral := &MockPeripheral{Client: client, Profile: profile}

	if b.discoverErr != nil {
		client.On("DiscoverProfile", true).Return(nil, b.discoverErr)
	} else {
		client.On("DiscoverProfile", true).Return(profile, nil)
	}
	client.On("CancelConnection").Return(nil)

	var control *blelib.Characteristic
	if b.controlUUID != "" {
		control = peripheral.Characteristic(b.controlUUID)
	}

	for _, svc := range services {
		for _, char := range svc.Characteristics {
			client.On("Subscribe", char, mock.Anything, mock.Anything).Return(nil)
			client.On("Unsubscribe", char, mock.Anything).Return(nil)

			if char.Property&blelib.CharRead != 0 {
				client.On("ReadCharacteristic", char).Return(char.Value, nil)
			} else {
				client.On("ReadCharacteristic", char).Return(nil, fmt.Errorf("characteristic does not support read"))
			}

			write := client.On("WriteCharacteristic", char, mock.Anything, mock.Anything)
			switch {
			case b.writeErr != nil:
				write.Return(b.writeErr)
			case char == control && b.responder != nil:
				responder, target := b.responder, char
				write.Run(func(args mock.Arguments) {
					cmd := append([]byte(nil), args.Get(1).([]byte)...)
					if reply := responder(cmd); reply != nil {
						go client.Notify(target, reply)
					}
				}).Return(nil)
			default:
				write.Return(nil)
			}
		}
	}

	return peripheral
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}
