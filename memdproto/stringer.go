/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package memdproto

import (
	"fmt"
	"strings"

	"github.com/couchbase/gocbcore/v10/memd"
)

// MaxDumpedSectionBytes bounds how much of a single section is hex dumped.
const MaxDumpedSectionBytes = 256

// writeSection dumps one body section.  Row offsets are relative to the
// start of the packet body so they line up with the wire layout, and a
// section longer than MaxDumpedSectionBytes is cut short.
func writeSection(out *strings.Builder, name string, data []byte, bodyOffset int) {
	if len(data) == 0 {
		fmt.Fprintf(out, "%s: none\n", name)
		return
	}

	fmt.Fprintf(out, "%s: %d bytes at body+%d\n", name, len(data), bodyOffset)

	shown := data
	if len(shown) > MaxDumpedSectionBytes {
		shown = shown[:MaxDumpedSectionBytes]
	}

	for row := 0; row < len(shown); row += 16 {
		line := shown[row:min(row+16, len(shown))]

		fmt.Fprintf(out, "%6d ", bodyOffset+row)
		for i := 0; i < 16; i++ {
			if i == 8 {
				out.WriteByte(' ')
			}
			if i < len(line) {
				fmt.Fprintf(out, " %02X", line[i])
			} else {
				out.WriteString("   ")
			}
		}

		out.WriteString("  ")
		for _, b := range line {
			if b < 32 || b > 126 {
				b = '.'
			}
			out.WriteByte(b)
		}
		out.WriteByte('\n')
	}

	if len(data) > len(shown) {
		fmt.Fprintf(out, "       ... %d more bytes\n", len(data)-len(shown))
	}
}

func magicToString(magic memd.CmdMagic) string {
	switch magic {
	case memd.CmdMagicReq:
		return "Req"
	case memd.CmdMagicRes:
		return "Res"
	}
	return fmt.Sprintf("Unk(%d)", magic)
}

func (p *Packet) String() string {
	slot := fmt.Sprintf("Vbucket:%d", p.Vbucket)
	if p.IsResponse() {
		slot = fmt.Sprintf("Status:%x(%s)", uint16(p.Status), p.Status.String())
	}

	return fmt.Sprintf(
		"Packet{Magic:%x(%s), Command:%x(%s), Datatype:%x, %s, Opaque:%08x, Cas:%016x}",
		uint8(p.Magic),
		magicToString(p.Magic),
		uint8(p.Command),
		p.Command.Name(),
		p.Datatype,
		slot,
		p.Opaque,
		p.Cas)
}

// PacketStringer renders a packet together with a hex dump of its body
// sections, it is meant to be passed to zap.Stringer in debug logging so
// the dump is only built when the level is enabled.
type PacketStringer struct {
	Packet *Packet
}

func (s PacketStringer) String() string {
	pak := s.Packet

	var out strings.Builder
	out.WriteString(pak.String())
	out.WriteByte('\n')
	writeSection(&out, "Extras", pak.Extras, 0)
	writeSection(&out, "Key", pak.Key, len(pak.Extras))
	writeSection(&out, "Value", pak.Value, len(pak.Extras)+len(pak.Key))
	return out.String()
}
