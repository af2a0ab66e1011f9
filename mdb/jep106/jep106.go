// Package jep106 maps JEDEC JEP-106 manufacturer codes, as found in
// CoreSight peripheral ID registers and DPIDR, to vendor names.
package jep106

import "fmt"

// Designer codes are stored with the continuation count in bits [11:7]
// and the identity code (parity bit stripped) in bits [6:0], the way
// ADIv5 packs them into DPIDR.DESIGNER and PIDR.DES.
type Designer uint16

const (
	ARM        Designer = 0x23b
	ARMChina   Designer = 0xa75
	ST         Designer = 0x020
	Atmel      Designer = 0x01f
	TI         Designer = 0x017
	NXP        Designer = 0x015
	Freescale  Designer = 0x00e
	Nordic     Designer = 0x244
	GigaDevice Designer = 0x751
	Raspberry  Designer = 0x927
	Renesas    Designer = 0x423
	HDSC       Designer = 0x6ba
	WCH        Designer = 0x72a
	ArteryTek  Designer = 0x3b5
	MindMotion Designer = 0x2e7
	Energy     Designer = 0x673
	Xilinx     Designer = 0x309
	RISCV      Designer = 0x612
)

var names = map[Designer]string{
	ARM:        "ARM",
	ARMChina:   "ARM China",
	ST:         "STMicroelectronics",
	Atmel:      "Atmel/Microchip",
	TI:         "Texas Instruments",
	NXP:        "NXP",
	Freescale:  "Freescale/NXP",
	Nordic:     "Nordic Semiconductor",
	GigaDevice: "GigaDevice",
	Raspberry:  "Raspberry Pi",
	Renesas:    "Renesas",
	HDSC:       "HDSC",
	WCH:        "WCH",
	ArteryTek:  "ArteryTek",
	MindMotion: "MindMotion",
	Energy:     "Energy Micro/Silicon Labs",
	Xilinx:     "Xilinx",
	RISCV:      "RISC-V International",
}

func (d Designer) String() string {
	if n, ok := names[d]; ok {
		return n
	}
	return fmt.Sprintf("0x%03x", uint16(d))
}

// FromIDCode extracts the designer from a JTAG IDCODE or SWD DPIDR word,
// where the manufacturer occupies bits [11:1] above the fixed marker bit.
// 0x0bb11477 yields 0x23b (ARM).
func FromIDCode(idcode uint32) Designer {
	return Designer((idcode >> 1) & 0x7ff)
}
