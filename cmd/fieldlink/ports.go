// cmd/fieldlink/ports.go
package main

import (
	"fmt"
	"io"
	"sort"

	"go.bug.st/serial/enumerator"
)

// listPorts prints the serial ports usable as Modbus RTU device addresses.
func listPorts(w io.Writer, scan func() ([]*enumerator.PortDetails, error)) error {
	ports, err := scan()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "no serial ports found")
		return err
	}

	sort.Slice(ports, func(a, b int) bool { return ports[a].Name < ports[b].Name })
	for _, p := range ports {
		line := p.Name
		if p.IsUSB {
			line += fmt.Sprintf("\tusb %s:%s", p.VID, p.PID)
			if p.Product != "" {
				line += "\t" + p.Product
			}
			if p.SerialNumber != "" {
				line += "\tserial=" + p.SerialNumber
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
