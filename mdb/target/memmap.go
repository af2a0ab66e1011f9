package target

import (
	"bytes"
	"fmt"
)

// MemoryMapXML renders the memory map in the format GDB expects from
// qXfer:memory-map:read. Flash regions carry their erase block size so
// GDB issues properly aligned vFlashErase requests.
func (t *Target) MemoryMapXML() string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<!DOCTYPE memory-map PUBLIC "+//IDN gnu.org//DTD GDB Memory Map V1.0//EN" "http://sourceware.org/gdb/gdb-memory-map.dtd">` + "\n")
	b.WriteString("<memory-map>\n")
	for _, f := range t.flash {
		fmt.Fprintf(&b, "  <memory type=\"flash\" start=\"0x%x\" length=\"0x%x\">\n", f.Start, f.Length)
		fmt.Fprintf(&b, "    <property name=\"blocksize\">0x%x</property>\n", f.BlockSize)
		b.WriteString("  </memory>\n")
	}
	for _, r := range t.ram {
		fmt.Fprintf(&b, "  <memory type=\"ram\" start=\"0x%x\" length=\"0x%x\"/>\n", r.Start, r.Length)
	}
	b.WriteString("</memory-map>\n")
	return b.String()
}
