// cmd/fieldlink/ports_test.go
package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestListPorts(t *testing.T) {
	var buf bytes.Buffer
	err := listPorts(&buf, func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "0403", PID: "6001", Product: "FT232R", SerialNumber: "A10K"},
			{Name: "/dev/ttyS0"},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0\n/dev/ttyUSB0\tusb 0403:6001\tFT232R\tserial=A10K\n", buf.String())
}

func TestListPortsEmptyAndError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listPorts(&buf, func() ([]*enumerator.PortDetails, error) { return nil, nil }))
	assert.Equal(t, "no serial ports found\n", buf.String())

	err := listPorts(&buf, func() ([]*enumerator.PortDetails, error) { return nil, errors.New("no sysfs") })
	assert.ErrorContains(t, err, "no sysfs")
}
