// internal/protocol/protocol_test.go
package protocol

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/fieldlink/internal/address"
)

type nopModbus struct{}

func (nopModbus) ReadHoldingRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, nil
}
func (nopModbus) ReadInputRegisters(context.Context, uint16, uint16) ([]uint16, error) {
	return nil, nil
}
func (nopModbus) WriteMultipleRegisters(context.Context, uint16, []uint16) error { return nil }

type nopSNMP struct{}

func (nopSNMP) GetOID(context.Context, address.DeviceAddress, string) (string, error) {
	return "", nil
}

func TestCapabilitiesValidate(t *testing.T) {
	assert.NoError(t, ForModbus(nopModbus{}).Validate())
	assert.NoError(t, ForSNMP(nopSNMP{}).Validate())

	mismatched := Capabilities{Protocol: address.BACnet, Modbus: nopModbus{}}
	assert.Error(t, mismatched.Validate())

	both := Capabilities{Protocol: address.Modbus, Modbus: nopModbus{}, SNMP: nopSNMP{}}
	assert.Error(t, both.Validate())

	assert.Error(t, Capabilities{Protocol: address.SNMP}.Validate())
}

func TestDeviceBurst(t *testing.T) {
	assert.Equal(t, uint16(address.MaxRegisterCount), Device{}.Burst())
	assert.Equal(t, uint16(10), Device{MaxBurst: 10}.Burst())
	assert.Equal(t, uint16(address.MaxRegisterCount), Device{MaxBurst: 500}.Burst())
}

func collect(seq iter.Seq2[address.DeviceAddress, error]) ([]address.DeviceAddress, []error) {
	var out []address.DeviceAddress
	var errs []error
	for d, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errs
}

func TestFromSliceIsSingleUse(t *testing.T) {
	a, _ := address.NewDeviceAddress(address.BACnet, "10.0.0.1:47808")
	b, _ := address.NewDeviceAddress(address.BACnet, "10.0.0.2:47808")

	seq := FromSlice([]address.DeviceAddress{a, b})

	got, errs := collect(seq)
	require.Empty(t, errs)
	assert.Equal(t, []address.DeviceAddress{a, b}, got)

	got, errs = collect(seq)
	assert.Empty(t, got)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrSequenceConsumed)
}
